package streamtable

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipePair returns two connected, independent TCP loopback connections so
// readiness can be driven by real socket writes.
func pipePair(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		acceptCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptCh
	return client, server
}

func TestInsertRejectsDuplicateAddress(t *testing.T) {
	tbl := New(nil)
	defer tbl.Close()

	a1, b1 := pipePair(t)
	defer b1.Close()
	a2, b2 := pipePair(t)
	defer b2.Close()
	defer a1.Close()
	defer a2.Close()

	kept1, dup1 := tbl.Insert(a1)
	require.Same(t, a1, kept1)
	require.Nil(t, dup1)

	// a2 is a distinct connection but we force a colliding key by
	// wrapping it to report a1's remote address, simulating a racing
	// duplicate accept from the same peer.
	colliding := &addrOverride{Conn: a2, remote: a1.RemoteAddr()}
	kept2, dup2 := tbl.Insert(colliding)
	require.Same(t, a1, kept2)
	require.NotNil(t, dup2)
}

type addrOverride struct {
	net.Conn
	remote net.Addr
}

func (a *addrOverride) RemoteAddr() net.Addr { return a.remote }

func TestNextReadyFindsWrittenStream(t *testing.T) {
	tbl := New(nil)
	defer tbl.Close()

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	tbl.Insert(a)

	_, ready := tbl.NextReady()
	require.False(t, ready, "nothing written yet")

	_, err := b.Write(make([]byte, 8))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := tbl.NextReady()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestNextReadyFairness(t *testing.T) {
	const n = 4
	const rounds = 40

	tbl := New(nil)
	defer tbl.Close()

	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		a, b := pipePair(t)
		defer a.Close()
		defer b.Close()
		kept, dup := tbl.Insert(a)
		require.Nil(t, dup)
		_, err := b.Write(make([]byte, 8))
		require.NoError(t, err)
		counts[kept.RemoteAddr().String()] = 0
	}

	require.Eventually(t, func() bool { return tbl.Len() == n }, time.Second, 5*time.Millisecond)

	for i := 0; i < rounds*n; i++ {
		addr, ok := tbl.NextReady()
		require.True(t, ok)
		counts[addr.String()]++
	}

	for addr, c := range counts {
		require.GreaterOrEqualf(t, c, rounds/2, "addr %s selected unfairly few times", addr)
	}
}

func TestNextRespectsContextCancellation(t *testing.T) {
	tbl := New(nil)
	defer tbl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tbl.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContainsAndGetMut(t *testing.T) {
	tbl := New(nil)
	defer tbl.Close()

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	require.False(t, tbl.Contains(a.RemoteAddr()))
	tbl.Insert(a)
	require.True(t, tbl.Contains(a.RemoteAddr()))

	conn, ok := tbl.GetMut(a.RemoteAddr())
	require.True(t, ok)
	require.Same(t, a, conn)
}
