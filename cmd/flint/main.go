package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// noColor disables ANSI escapes in CLI output.
var noColor bool

var rootCmd = &cobra.Command{
	Use:   "flint",
	Short: "flint validates e-invoices against declarative execution plans",
	Long: `flint is an e-invoice validation engine. It runs UBL, CII, and Factur-X
documents through configurable validation plans and seals every run into a
verifiable compliance fingerprint.

Run "flint start" to launch the server, then submit documents with
"flint validate <file>".`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(attestationsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
