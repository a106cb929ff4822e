package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/costep/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"tool":    version.Tool,
					"version": version.Version,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", version.Tool, version.Version)
			}
		},
	}
}
