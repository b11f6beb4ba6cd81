package cmd

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/observability"
	"github.com/xkilldash9x/browsegraph/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newHistoryCmd creates the `history` command, which prints the persisted
// steps of an earlier run.
func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history <run-id>",
		Short: "Prints the recorded steps of a run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			st, err := openStore(ctx, cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("failed to open history store: %w", err)
			}
			defer st.Close()

			items, err := st.LoadRun(ctx, args[0])
			if err != nil {
				if errors.Is(err, store.ErrRunNotFound) {
					return fmt.Errorf("no steps recorded for run %q (store: %s)", args[0], cfg.Store.Type)
				}
				return err
			}
			logger.Debug("Loaded run history.", zap.String("run_id", args[0]), zap.Int("steps", len(items)))

			data, err := json.MarshalIndent(schemas.History{Items: items}, "", "  ")
			if err != nil {
				return fmt.Errorf("encode history: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	historyCmd.Flags().String("store", "", "History store: memory or postgres (default from config)")
	return historyCmd
}
