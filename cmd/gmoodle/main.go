package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gmoodle/internal/config"
	appLog "gmoodle/internal/log"
	"gmoodle/internal/schedule"
	"gmoodle/internal/store"
	"gmoodle/internal/web"
)

const version = "0.3.0"

// rootOptions holds flags shared by every subcommand and the config they
// resolve to.
type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		appLog.Error("gmoodle failed", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "gmoodle",
		Short:         "Mirror upcoming Moodle assignments into Google Calendar",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config %s: %w", opts.configPath, err)
			}
			appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "/etc/gmoodle/config.yaml", "Path to config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web UI and run the weekly auto-sync sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// --listen overrides the config file.
			if listen != "" {
				opts.cfg.Listen = listen
			}
			return runServe(cmd.Context(), opts.cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one auto-sync sweep now and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rep := a.sweeper.Sweep(cmd.Context())
			if rep.Err != nil {
				return rep.Err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep %s: %d attempted, %d succeeded, %d failed\n",
				rep.ID, rep.Attempted, rep.Succeeded, rep.Failed)
			return nil
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := store.Open(cmd.Context(), opts.cfg.Storage)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			appLog.Info("migrations applied", "driver", opts.cfg.Storage.Driver)
			return nil
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	appLog.Info("gmoodle starting", "version", version)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"public_url", cfg.PublicURL,
		"timezone", cfg.Timezone,
		"calendar_name", cfg.CalendarName,
		"storage_driver", cfg.Storage.Driver,
		"sweep_schedule", cfg.Sweep.Schedule,
		"sweep_disabled", cfg.Sweep.Disabled,
		"csrf_disabled", cfg.CSRF.Disabled,
		"metrics_disabled", cfg.Metrics.Disabled,
	)
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		appLog.Warn("google client id/secret not set; sign-in will fail")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var scheduler *schedule.Scheduler
	if !cfg.Sweep.Disabled {
		scheduler, err = schedule.NewScheduler(cfg.Sweep.Schedule, cfg.Location(), a.sweeper)
		if err != nil {
			return err
		}
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
	}

	srv, err := web.NewServer(cfg, a.oauth, a.accounts, a.engine)
	if err != nil {
		return fmt.Errorf("failed to build web server: %w", err)
	}
	serveErr := srv.ListenAndServe(ctx, 10*time.Second)

	if scheduler != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			appLog.Error("scheduler did not stop cleanly", err)
		}
	}

	appLog.Info("gmoodle exiting")
	return serveErr
}
