package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"six7-fabric/internal/config"
	"six7-fabric/internal/console"
	"six7-fabric/internal/fabric"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/logging"
	"six7-fabric/internal/messenger"
	"six7-fabric/internal/metrics"
	"six7-fabric/internal/paths"
	"six7-fabric/internal/storage/boltdb"
)

// runNode assembles the node, starts it and blocks until ctx is done or,
// in interactive mode, the console quits.
func runNode(ctx context.Context, cfg *config.Config, interactive bool, in io.Reader, out io.Writer) error {
	var (
		fab  *fabric.Fabric
		msgr *messenger.Messenger
		log  zerolog.Logger
	)
	app := fx.New(
		fx.Supply(cfg),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
		fx.Provide(
			newLogger,
			metrics.New,
			openStore,
			loadIdentity,
			newFabric,
			newMessenger,
		),
		fx.Invoke(serveMetrics, printBootstrap),
		fx.Populate(&fab, &msgr, &log),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	var runErr error
	if interactive {
		runErr = console.New(fab, msgr, console.NewTerminal(out, colorOutput(out)), log).Run(ctx, in)
	} else {
		select {
		case <-ctx.Done():
		case sig := <-app.Done():
			log.Info().Stringer("signal", sig).Msg("shutting down")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(ignoreCanceled(runErr), app.Stop(stopCtx))
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format, nil)
}

func openStore(lc fx.Lifecycle, cfg *config.Config) (*boltdb.Store, error) {
	dir, err := paths.EnsureDir(cfg.Node.DataDir)
	if err != nil {
		return nil, err
	}
	st, err := boltdb.Open(paths.DBPath(dir))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	lc.Append(fx.StopHook(st.Close))
	return st, nil
}

func loadIdentity(cfg *config.Config, st *boltdb.Store, log zerolog.Logger) (*identity.Identity, error) {
	id, created, err := identity.LoadOrCreate(st, cfg.Passphrase())
	if err != nil {
		return nil, err
	}
	if created {
		log.Info().Str("peer", id.PeerID().Short()).Msg("created new identity")
	}
	return id, nil
}

func newFabric(lc fx.Lifecycle, cfg *config.Config, log zerolog.Logger, id *identity.Identity, st *boltdb.Store, m *metrics.Collector) (*fabric.Fabric, error) {
	fc, err := cfg.Fabric()
	if err != nil {
		return nil, err
	}
	f, err := fabric.New(fc, log,
		fabric.WithIdentity(id),
		fabric.WithRecordStore(st),
		fabric.WithPeerCache(st),
		fabric.WithDHTMetrics(m),
		fabric.WithTransportMetrics(m),
		fabric.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: f.Start,
		OnStop:  func(context.Context) error { return f.Close() },
	})
	return f, nil
}

func newMessenger(lc fx.Lifecycle, cfg *config.Config, log zerolog.Logger, f *fabric.Fabric) (*messenger.Messenger, error) {
	m, err := messenger.New(messenger.FromFabric(f), messenger.Config{
		Prefix:      cfg.Node.Prefix,
		DisplayName: cfg.Node.DisplayName,
		Room:        cfg.Node.Room,
		Vibe:        cfg.VibePolicy(),
	}, log)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := m.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("messenger stopped")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return m, nil
}

func serveMetrics(lc fx.Lifecycle, cfg *config.Config, m *metrics.Collector, log zerolog.Logger) {
	if cfg.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.Listen)
			if err != nil {
				return err
			}
			log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("metrics server")
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// printBootstrap writes the bootstrap string to stdout once the fabric is
// listening, since that is what other nodes need to join.
func printBootstrap(lc fx.Lifecycle, f *fabric.Fabric) {
	lc.Append(fx.StartHook(func() {
		fmt.Println(f.BootstrapString())
	}))
}

// colorOutput reports whether out is a terminal that wants ANSI colors.
func colorOutput(out io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := out.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
