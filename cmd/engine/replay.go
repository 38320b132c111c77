package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"exchange/internal/ops"
	"exchange/internal/state"
)

const (
	toFlagName     = "to"
	verifyFlagName = "verify"
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Uint64(toFlagName, 0, "stop at this sequence (0 replays the whole WAL)")
	replayCmd.Flags().Bool(verifyFlagName, false, "rebuild up to the snapshot sequence from an empty state and compare with the snapshot file")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild engine state from the WAL",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := ops.LoadSettings(settingsPath)
		if err != nil {
			return err
		}
		to, err := cmd.Flags().GetUint64(toFlagName)
		if err != nil {
			return err
		}
		verify, err := cmd.Flags().GetBool(verifyFlagName)
		if err != nil {
			return err
		}

		if verify {
			return verifySnapshot(cmd.Context(), settings)
		}

		res, err := state.Recover(cmd.Context(), state.RecoverConfig{
			WALDir:       settings.WALDir,
			SnapshotPath: settings.SnapshotPath,
			ToSeq:        to,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seq %d, replayed %d events, max order id %d, positions %d\n",
			res.LastSeq, res.Replayed, res.Rebuilder.MaxOrderID(), res.Rebuilder.Positions().Count())
		return nil
	},
}

// verifySnapshot replays the WAL from scratch and checks it lands on the checkpointed state.
func verifySnapshot(ctx context.Context, settings ops.Settings) error {
	if settings.SnapshotPath == "" {
		return fmt.Errorf("verify needs snapshot_path")
	}
	expected, err := state.ReadSnapshot(settings.SnapshotPath)
	if err != nil {
		return err
	}
	res, err := state.Recover(ctx, state.RecoverConfig{
		WALDir: settings.WALDir,
		ToSeq:  expected.LastSeq,
	})
	if err != nil {
		return err
	}
	if res.LastSeq != expected.LastSeq {
		return fmt.Errorf("wal ends at seq %d before snapshot seq %d", res.LastSeq, expected.LastSeq)
	}
	if err := state.CompareSnapshots(expected, res.Rebuilder.Snapshot()); err != nil {
		return err
	}
	logs.Infof("snapshot %s verified at seq %d", settings.SnapshotPath, expected.LastSeq)
	return nil
}
