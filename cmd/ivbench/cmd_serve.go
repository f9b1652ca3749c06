package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ivbench/internal/backend"
	"ivbench/internal/bridge"
	"ivbench/internal/config"
	"ivbench/internal/session"
	"ivbench/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "bridge listen address (default http.addr)")
	serveCmd.Flags().BoolVar(&serveNoStart, "no-start", false, "do not start the backend on launch")
}

var (
	serveAddr    string
	serveNoStart bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the backend and serve the UI bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if serveAddr != "" {
			conf.HTTP.Addr = serveAddr
		}
		return serve(cmd.Context(), conf)
	},
}

// newSupervisor wires the locator chain and the supervisor for conf. The
// returned cleanup releases the directory watcher.
func newSupervisor(conf *config.Config) (*supervisor.Supervisor, func()) {
	opts := conf.Backend.LocatorOptions()
	locator := backend.NewLocator(backend.CurrentPlatform(), opts)

	var loc supervisor.Locator = locator
	cleanup := func() {}
	if conf.Backend.Watch {
		w, err := backend.NewWatchingLocator(locator)
		if err != nil {
			log.Warn().Err(err).Msg("backend directory watch disabled")
		} else {
			loc = w
			cleanup = func() { w.Close() }
		}
	}

	sup := supervisor.New(loc, supervisor.Options{
		GracefulTimeout: conf.Backend.GracefulTimeout,
		ReadyURL:        opts.ReadyURL(),
		ReadyTimeout:    conf.Backend.ReadyTimeout,
		Env:             conf.Backend.Env,
	})
	return sup, cleanup
}

func serve(parent context.Context, conf *config.Config) error {
	sup, cleanup := newSupervisor(conf)
	defer cleanup()

	srv := bridge.New(sup, bridge.Options{
		SessionURL: conf.Session.URL,
		StaticDir:  conf.HTTP.StaticDir,
	})
	ctrl := session.NewController(session.Options{
		GraceDelay: conf.Session.GraceDelay,
		Observer:   srv,
	})
	srv.BindSession(ctrl)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.Run(ctx)

	if !serveNoStart {
		if err := sup.Start(ctx); err != nil {
			log.Err(err).Msg("failed to start backend")
		}
	}

	httpServer := &http.Server{
		Addr:    conf.HTTP.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		ctrl.Disconnect()
		sup.Stop(context.Background())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", conf.HTTP.Addr).Str("session", conf.Session.URL).Msg("bridge listening")
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		stop()
		sup.Stop(context.Background())
		return err
	}
	return nil
}
