package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCtrlRoundTrip(t *testing.T) {
	msg := Msg{Ctrl: &Ctrl{Version: V1, TeamID: [32]byte{1, 2, 3}, Cmd: []byte("open-channel")}}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	got, err := ReadEnvelope(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.NotNil(t, got.Ctrl)
	require.Nil(t, got.Data)
	require.Equal(t, *msg.Ctrl, *got.Ctrl)
}

func TestDataRoundTrip(t *testing.T) {
	msg := Msg{Data: &Data{Version: V1, AfcID: [32]byte{9, 9, 9}, Ciphertext: []byte("sealed-bytes")}}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	got, err := ReadEnvelope(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.NotNil(t, got.Data)
	require.Nil(t, got.Ctrl)
	require.Equal(t, *msg.Data, *got.Data)
}

func TestEncodeRejectsEmptyMsg(t *testing.T) {
	_, err := Encode(Msg{})
	require.Error(t, err)
}

func TestEncodeRejectsBothVariants(t *testing.T) {
	_, err := Encode(Msg{Ctrl: &Ctrl{}, Data: &Data{}})
	require.Error(t, err)
}

func TestReadEnvelopeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf, []byte("XXXX"))
	binary.LittleEndian.PutUint32(buf[MagicSize:], 0)

	_, err := ReadEnvelope(bytes.NewReader(buf))
	require.Error(t, err)
	var magicErr *InvalidMagicError
	require.ErrorAs(t, err, &magicErr)
}

func TestReadEnvelopeRejectsOversizeLengthWithoutReadingBody(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf, Magic[:])
	binary.LittleEndian.PutUint32(buf[MagicSize:], 0xFFFFFFFF)

	// Deliberately no body bytes follow; if ReadEnvelope tried to read
	// LEN bytes before checking the cap, this would block/EOF instead of
	// returning MsgTooLargeError.
	_, err := ReadEnvelope(bytes.NewReader(buf))
	require.Error(t, err)
	var tooLarge *MsgTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, int(0xFFFFFFFF), tooLarge.Got)
	require.Equal(t, MaxMsgSize, tooLarge.Max)
}

func TestEncodeRejectsOversizeBody(t *testing.T) {
	msg := Msg{Data: &Data{Version: V1, Ciphertext: make([]byte, MaxMsgSize+1)}}
	_, err := Encode(msg)
	require.Error(t, err)
	var tooLarge *MsgTooLargeError
	require.ErrorAs(t, err, &tooLarge)
}

func TestEncodeParts(t *testing.T) {
	msg := Msg{Ctrl: &Ctrl{Version: V1, Cmd: []byte("hi")}}
	header, body, err := EncodeParts(msg)
	require.NoError(t, err)

	full, err := Encode(msg)
	require.NoError(t, err)
	require.Equal(t, full, append(append([]byte{}, header[:]...), body...))
}
