package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/costep/experiment"
	"github.com/nvandessel/costep/store"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <store>",
		Short: "Verify store integrity",
		Long: `Verify a store file: check the format marker, re-hash every pooled
payload against its content address, and resolve every run's pool
references.

Examples:
  costep verify experiments.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			ctx := cmd.Context()

			st, err := store.Open(args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			check, err := experiment.CheckStore(ctx, st)
			if err != nil {
				return fmt.Errorf("verifying store: %w", err)
			}

			events := newEventLogger(cmd, args[0])
			defer events.Close()
			events.Log(map[string]any{
				"event":   "verify",
				"store":   args[0],
				"ok":      check.OK(),
				"corrupt": len(check.CorruptPayloads),
			})

			if jsonOut {
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(check); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Runs: %d, pooled payloads: %d fmu, %d component\n",
					len(check.Runs), check.FMUPayloads, check.ComponentPayloads)
				for _, path := range check.CorruptPayloads {
					fmt.Fprintf(out, "CORRUPT: %s\n", path)
				}
				for _, ref := range check.DanglingReferences {
					fmt.Fprintf(out, "DANGLING: %s\n", ref)
				}
				if check.OK() {
					fmt.Fprintln(out, "OK: all payloads and references verified")
				}
			}

			if !check.OK() {
				return fmt.Errorf("store verification failed: %d corrupt payloads, %d dangling references",
					len(check.CorruptPayloads), len(check.DanglingReferences))
			}
			return nil
		},
	}
}
