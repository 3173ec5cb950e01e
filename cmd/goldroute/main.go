package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "goldroute"
	version = "v0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Non-custodial routing layer for gold-backed tokens",
		Version: version,
		Long: `goldroute routes limit orders for gold-backed tokens (XAUT, PAXG)
across exchange and on-chain venues without ever holding withdrawal
rights. Every credential access, order event, and resilience action
lands in a hash-chained audit journal.`,
	}
	rootCmd.PersistentFlags().String("config", "", "path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace|debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing service",
		Long:  "Starts the HTTP API, registers configured venues, and serves until SIGINT/SIGTERM.",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("port", 0, "listen port (overrides config)")
	serveCmd.Flags().Bool("dev", false, "dev profile: include error details in API responses")

	verifyCmd := &cobra.Command{
		Use:   "verify <journal-file>",
		Short: "Verify the hash chain of an audit journal file",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd, verifyCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes console output on a TTY and JSON otherwise.
func newLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
