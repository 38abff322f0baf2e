package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╦ ╦┌─┐┬  ┬┌─┐┌─┐  ╔═╗┌┬┐┌─┐┬─┐┬  ┬┌┐┌┌─┐
  ╠═╣├┤ │  │├┤ └─┐  ╚═╗ │ ├─┤├┬┘│  │││││ ┬
  ╩ ╩└─┘┴─┘┴└─┘└─┘  ╚═╝ ┴ ┴ ┴┴└─┴─┘┴┘└┘└─┘
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "starling",
		Short: "A reference host for the helios-starling RPC kernel",
		Long: `starling runs a demo WebSocket server on top of the
helios-starling kernel (pkg/node): request/response, notifications
and topic pub/sub over a single bidirectional connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Print(banner)
}

func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

func errorMsg(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m %s\n", fmt.Sprintf(format, args...))
}
