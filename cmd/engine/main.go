package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

var settingsPath string

var rootCmd = &cobra.Command{
	Use:           "engine",
	Short:         "Order matching engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", "", "settings file (default ./engine.yaml or ./config/engine.yaml)")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logs.Errorf("engine %s, err: %+v", rootCmd.Name(), err)
		os.Exit(1)
	}
}
