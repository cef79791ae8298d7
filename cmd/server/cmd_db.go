package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stockpos/internal/ledger"
	"stockpos/internal/recorder"
	"stockpos/internal/service"
)

// stockpos migrate
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the schema and the first owner account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := boot()
		if err != nil {
			return err
		}
		ctx := log.WithContext(cmd.Context())

		repo, closeStore, err := openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer closeStore()

		if m, ok := repo.(migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				return err
			}
		}
		return ensureOwner(ctx, repo, cfg.ShopID, log)
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Compare cached stock counters with the movement ledger",
}

// stockpos ledger verify
var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "List products whose cached stock drifted from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOperatorService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
			drifted, err := svc.VerifyLedger(ctx)
			if err != nil {
				return err
			}
			printDiscrepancies(drifted)
			if len(drifted) > 0 {
				return fmt.Errorf("%d products drifted; run `stockpos ledger repair` while terminals are idle", len(drifted))
			}
			return nil
		})
	},
}

// stockpos ledger repair
var ledgerRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reset drifted stock counters to the ledger value",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOperatorService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
			repaired, err := svc.RepairLedger(ctx)
			if err != nil {
				return err
			}
			printDiscrepancies(repaired)
			fmt.Printf("%d products repaired\n", len(repaired))
			return nil
		})
	},
}

func withOperatorService(parent context.Context, run func(ctx context.Context, svc *service.Service) error) error {
	cfg, log, err := boot()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx := log.WithContext(parent)

	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := service.New(repo, recorder.New(repo, recorder.WithLogger(log)), service.Config{
		DefaultShopID: cfg.ShopID,
		Logger:        log,
	})
	return run(service.WithActor(ctx, systemActor(cfg.ShopID)), svc)
}

func printDiscrepancies(items []ledger.Discrepancy) {
	if len(items) == 0 {
		fmt.Println("ledger and cached stock agree")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tCACHED\tLEDGER\tDRIFT")
	for _, d := range items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%+d\n", d.Code, d.Name, d.CachedStock, d.LedgerStock, d.Drift())
	}
	_ = w.Flush()
}
