package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rekberid/rekberd/internal/core/ledger"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

var verifyLedgerCmd = &cobra.Command{
	Use:   "verify-ledger",
	Short: "Verify every journal balances and platform accounts match escrow holdings",
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

		ledgerSvc, err := provider.GetLedgerService()
		if err != nil {
			return exitWith(ExitConfig, err)
		}

		ctx := cmd.Context()
		var unbalanced []string
		var report *ledger.PlatformBalanceReport
		err = db.WithinTx(ctx, func(store relationaldb.Store) error {
			var err error
			unbalanced, err = ledgerSvc.VerifyAllJournalsBalanced(ctx, store)
			if err != nil {
				return err
			}
			report, err = ledgerSvc.VerifyPlatformBalance(ctx, store)
			return err
		})
		if err != nil {
			return exitWith(ExitDB, err)
		}

		if len(unbalanced) > 0 {
			for _, id := range unbalanced {
				fmt.Printf("UNBALANCED journal=%s\n", id)
			}
			return fmt.Errorf("%d journals do not balance", len(unbalanced))
		}
		fmt.Printf("journals balanced; escrow holding %d, active escrows %d\n",
			report.EscrowHoldingMinor, report.ActiveEscrowMinor)
		if !report.Match {
			return fmt.Errorf("escrow holding does not match active escrow total")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyLedgerCmd)
}
