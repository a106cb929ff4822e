package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nvandessel/costep/experiment"
	"github.com/nvandessel/costep/store"
)

// runInfo is one line of list output.
type runInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <store>",
		Short: "List runs recorded in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			ctx := cmd.Context()

			st, err := store.Open(args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			names, err := experiment.Runs(ctx, st)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}

			events := newEventLogger(cmd, args[0])
			defer events.Close()
			events.Log(map[string]any{"event": "list", "store": args[0], "runs": len(names)})

			infos := make([]runInfo, 0, len(names))
			for _, name := range names {
				attrs, err := st.Attrs(ctx, name)
				if err != nil {
					return fmt.Errorf("reading run %q: %w", name, err)
				}
				info := runInfo{Name: name}
				if s, ok := attrs["description"].(string); ok {
					info.Description = s
				}
				if s, ok := attrs["created_at"].(string); ok {
					info.CreatedAt = s
				}
				infos = append(infos, info)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(infos)
			}

			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED\tDESCRIPTION")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, info.CreatedAt, info.Description)
			}
			return w.Flush()
		},
	}
}
