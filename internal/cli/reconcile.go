package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Check every wallet against its ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
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
		if err := db.Open(cmd.Context()); err != nil {
			return exitWith(dbExitCode(err), err)
		}
		defer db.Close(context.Background())

		wallets, err := provider.GetWalletService()
		if err != nil {
			return exitWith(ExitConfig, err)
		}

		ctx := cmd.Context()
		checked, mismatched := 0, 0
		seen := make(map[string]bool)
		for {
			batch, err := db.ListWalletsReconciledBefore(ctx, time.Now().UTC(), cfg.Withdrawal.MaxBatch)
			if err != nil {
				return exitWith(ExitDB, err)
			}
			// Mismatched wallets stay stale, so stop once a batch brings
			// nothing new.
			fresh := false
			for i := range batch {
				if seen[batch[i].ID] {
					continue
				}
				seen[batch[i].ID] = true
				fresh = true

				report, err := wallets.Reconcile(ctx, batch[i].ID)
				if err != nil {
					return exitWith(ExitDB, err)
				}
				checked++
				if !report.Match {
					mismatched++
					fmt.Printf("MISMATCH wallet=%s expected=%d available=%d\n",
						report.WalletID, report.ExpectedMinor, report.AvailableMinor)
				}
			}
			if !fresh {
				break
			}
		}

		fmt.Printf("reconciled %d wallets, %d mismatched\n", checked, mismatched)
		if mismatched > 0 {
			return fmt.Errorf("%d wallets failed reconciliation", mismatched)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
