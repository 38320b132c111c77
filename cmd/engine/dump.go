package main

import (
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"exchange/internal/ops"
	"exchange/internal/state"
)

const outFlagName = "out"

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().StringP(outFlagName, "o", "", "write the snapshot to this file instead of stdout")
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Recover engine state and print it as a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := ops.LoadSettings(settingsPath)
		if err != nil {
			return err
		}
		out, err := cmd.Flags().GetString(outFlagName)
		if err != nil {
			return err
		}

		res, err := state.Recover(cmd.Context(), state.RecoverConfig{
			WALDir:       settings.WALDir,
			SnapshotPath: settings.SnapshotPath,
		})
		if err != nil {
			return err
		}
		snap := res.Rebuilder.Snapshot()

		if out != "" {
			if err := state.WriteSnapshot(out, snap); err != nil {
				return err
			}
			logs.Infof("snapshot at seq %d written to %s", snap.LastSeq, out)
			return nil
		}
		buf, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		buf = append(buf, '\n')
		_, err = cmd.OutOrStdout().Write(buf)
		return err
	},
}
