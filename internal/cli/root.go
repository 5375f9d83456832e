// Package cli wires the rekberd commands: serve, migrate, reconcile,
// verify-ledger and version.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rekberid/rekberd/internal/config"
	"github.com/rekberid/rekberd/internal/di"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitDB        = 2
	ExitMigration = 3
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "rekberd",
	Short: "rekberd - escrow money-movement engine",
	Long: `rekberd is the transactional core of the Rekber escrow platform:
a double-entry ledger, wallet balances with optimistic locking, escrow and
order state machines, a withdrawal engine and the payment provider webhook
processor.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return ExitConfig
	}
	return ExitOK
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
}

// loadConfig loads and validates configuration, mapping failures onto the
// config exit code.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, exitWith(ExitConfig, err)
	}
	return cfg, nil
}

// buildProvider assembles the DI container for a loaded configuration.
func buildProvider(cfg *config.Config) (*di.Provider, error) {
	container := di.New()
	provider := di.NewProvider(container, cfg)
	if err := provider.RegisterAll(); err != nil {
		return nil, exitWith(ExitConfig, err)
	}
	return provider, nil
}

// dbExitCode classifies a database open failure: schema problems map to
// the migration code, everything else to DB unavailable.
func dbExitCode(err error) int {
	var dbErr *relationaldb.DatabaseError
	if errors.As(err, &dbErr) && dbErr.Type == relationaldb.ErrorTypeSchema {
		return ExitMigration
	}
	return ExitDB
}
