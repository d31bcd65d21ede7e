package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourorg/nessus-analyzer/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "nessus-analyzer",
	Short: "Rank network entry points from Nessus scan results",
	Long: `nessus-analyzer flattens a .nessus report into findings, classifies each
finding into a risk archetype and ranks host/port entry points by severity,
exploitability and the number of distinct vulnerabilities.`,
	SilenceUsage: true,
}

var DebugMode bool

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	if DebugMode {
		return logging.New("debug", false)
	}
	return logging.New("info", false)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&DebugMode, "debug", false, "Enable debug logging")
}
