package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coinstash/tunnelmux/internal/config"
	"github.com/coinstash/tunnelmux/internal/node"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tunnelmux node",
		Long:  "Establish the control channel and every tunnel named in the config file, then run until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := node.New(ctx, cfg)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to establish control channel: %w", err)
			}

			startCtx, startCancel := context.WithTimeout(context.Background(), cfg.Limits.CreateTimeout*time.Duration(len(cfg.Tunnels)+1))
			err = n.Start(startCtx)
			startCancel()
			if err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			fmt.Printf("tunnelmux running (%d tunnels)\n", len(cfg.Tunnels))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nreceived signal %v, shutting down...\n", sig)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := n.Stop(stopCtx); err != nil {
				fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
				return err
			}

			fmt.Println("stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")

	return cmd
}
