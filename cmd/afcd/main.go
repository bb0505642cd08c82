// Command afcd is a minimal demo relay for the AFC transport core: it
// listens for inbound streams, opens the shared-memory key segment a
// companion daemon is assumed to have already populated, and logs every
// Poll event it observes. It exists so the engine has one concrete,
// runnable wiring of its pieces, the way mailproxy.go wires together
// mailproxy's own worker pool, not as a production relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"

	afc "github.com/gknopf-aranya/afc"
	"github.com/gknopf-aranya/afc/internal/sealer"
	"github.com/gknopf-aranya/afc/internal/shmkey"
	"github.com/gknopf-aranya/afc/wire"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to afcd.toml")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(versioninfo.Short())
		return
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "afcd",
	})

	if err := run(logger, *configPath); err != nil {
		logger.Fatal("afcd exited", "err", err)
	}
}

func run(logger *log.Logger, configPath string) error {
	cfg := mustConfig(logger, configPath)
	if lvl, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}

	listener, err := net.Listen("tcp", cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("afcd: listen: %w", err)
	}
	logger.Info("listening", "addr", listener.Addr())

	seal, open := buildSealerOpener(logger, cfg)

	metrics := afc.NewMetrics(nil)
	engine := afc.New(listener, seal, open, logger, metrics)
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		event, err := engine.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down", "surviving_channels", len(engine.ChannelIDs()))
				return nil
			}
			logger.Warn("poll error", "err", err)
			continue
		}
		switch event.Kind {
		case afc.PollAccepted:
			logger.Info("stream accepted", "addr", event.Addr)
		case afc.PollReady:
			msg, err := engine.ReadMsg(event.Addr)
			if err != nil {
				logger.Warn("read failed", "addr", event.Addr, "err", err)
				continue
			}
			handleMsg(logger, engine, event.Addr, msg)
		}
	}
}

// handleMsg logs what arrived. Data messages are opened with
// (*afc.Engine).OpenData and the result is logged; Ctrl messages are only
// logged, and their commands are not acted on.
func handleMsg(logger *log.Logger, engine *afc.Engine, addr net.Addr, msg wire.Msg) {
	switch {
	case msg.Ctrl != nil:
		logger.Info("ctrl received", "addr", addr, "team_id", afc.TeamID(msg.Ctrl.TeamID), "cmd_len", len(msg.Ctrl.Cmd))
	case msg.Data != nil:
		opened, err := engine.OpenData(msg.Data)
		if err != nil {
			logger.Warn("data open failed", "addr", addr, "err", err)
			return
		}
		logger.Info("data received", "addr", addr, "afc_id", opened.AfcID, "seq", opened.Seq, "len", len(opened.Plaintext))
	}
}

func mustConfig(logger *log.Logger, path string) *afc.Config {
	if path == "" {
		logger.Warn("no -config given, using defaults")
		return afc.DefaultConfig()
	}
	cfg, err := afc.LoadConfig(path)
	if err != nil {
		logger.Fatal("config load failed", "err", err)
	}
	return cfg
}

func buildSealerOpener(logger *log.Logger, cfg *afc.Config) (afc.Sealer, afc.Opener) {
	if cfg.ShmKey.Path == "" {
		logger.Warn("no shm_key.path configured, running with no sealing capability")
		return nil, nil
	}
	handle, err := shmkey.Open(cfg.ShmKey.Path, cfg.ShmKey.MaxChans)
	if err != nil {
		logger.Fatal("shared key segment open failed", "err", err)
	}
	root := handle.RootSecret()
	return sealer.NewDefaultSealer(root.Bytes()), sealer.NewDefaultOpener()
}
