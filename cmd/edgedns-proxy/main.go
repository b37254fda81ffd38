// edgedns-proxy is the client query resolution core of the edgedns forwarder: it coalesces
// identical in-flight client questions, dispatches them to a load-balanced pool of upstream
// resolvers, retries once on timeout, and degrades to a stale cache answer or a synthesized SERVFAIL
// when every candidate upstream is unreachable.
package main

import (
	"fmt"
	"os"

	"github.com/markdingo/edgedns/internal/constants"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "edgedns-proxy",
	Short: "Client query resolution core of the edgedns forwarder",
}

func init() {
	rootCmd.SilenceUsage = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, constants.Get().ProxyProgramName+":", err)
		os.Exit(1)
	}
}
