// Package ghostd is the daemon entry point: it loads configuration,
// builds the AppState, starts the background scheduler, and serves the
// HTTP/WebSocket gateway until interrupted.
package ghostd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ghostmesh/ghostmesh/internal/app"
	"github.com/ghostmesh/ghostmesh/internal/config"
	"github.com/ghostmesh/ghostmesh/internal/handler"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
)

// Options holds the daemon's flag-settable options.
type Options struct {
	ConfigDir string
}

// AddFlags registers the daemon flags on a flag set.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigDir, "config", "c", defaultConfigDir(), "configuration directory")
}

// NewCommand builds the ghostd root command.
func NewCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:          "ghostd",
		Short:        "ghostd hosts the ghosts: gateway, scheduler, and knowledge engine",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(opts.ConfigDir)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ghostmesh")
	}
	return "."
}

func run(configDir string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if cfg.Logging.Path != "" {
		if err := log.Init(cfg.Logging.Path); err != nil {
			return err
		}
	}
	if cfg.Logging.Level != "" {
		log.SetLevel(cfg.Logging.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()
	a.StartBackground()

	addr := cfg.Gateway.Addr
	if addr == "" {
		addr = "127.0.0.1:11788"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: handler.NewRouter(&handler.Deps{App: a, AuthToken: cfg.Gateway.AuthToken}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("[ghostd] gateway listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("[ghostd] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("[ghostd] gateway shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
