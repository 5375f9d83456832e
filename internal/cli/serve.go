package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the background scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	db, err := provider.GetDatabase()
	if err != nil {
		return exitWith(ExitConfig, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Open(ctx); err != nil {
		return exitWith(dbExitCode(err), err)
	}
	defer db.Close(context.Background())

	httpServer, err := provider.GetHTTPServer()
	if err != nil {
		return exitWith(ExitConfig, err)
	}
	sched, err := provider.GetScheduler()
	if err != nil {
		return exitWith(ExitConfig, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Run(ctx) })
	g.Go(func() error {
		err := sched.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return exitWith(ExitDB, err)
	}
	return nil
}
