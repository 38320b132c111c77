package main

import (
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"exchange/internal/ops"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Recover from the WAL and serve orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := ops.LoadSettings(settingsPath)
		if err != nil {
			return err
		}
		ref, err := ops.LoadRefData(settings.RefData)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		n, err := newNode(ctx, settings, ref)
		if err != nil {
			return err
		}
		if err := n.run(ctx); err != nil {
			return err
		}
		logs.Info("engine stopped")
		return nil
	},
}
