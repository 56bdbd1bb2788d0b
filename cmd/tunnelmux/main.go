// Package main provides the CLI entry point for the tunnelmux control
// plane demo: it wires a TunnelManager to a WebSocket transport and
// establishes the tunnels named in a config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunnelmux",
		Short: "tunnelmux - bidirectional TCP tunnel multiplexer",
		Long: `tunnelmux multiplexes forward and reverse TCP port tunnels over a
single WebSocket control channel between two peers.

One side listens for the control connection, the other dials it; either
side may then request forward tunnels (it owns the local listener) or
reverse tunnels (the peer owns the listener) once connected.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
