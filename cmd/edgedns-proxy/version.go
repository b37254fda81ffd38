package main

import (
	"fmt"

	"github.com/markdingo/edgedns/internal/constants"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the edgedns-proxy version",
	RunE: func(cmd *cobra.Command, args []string) error {
		consts := constants.Get()
		fmt.Fprintln(cmd.OutOrStdout(), consts.ProxyProgramName, consts.Version, "("+consts.RFC+")")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
