package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nvandessel/costep/experiment"
	"github.com/nvandessel/costep/simulation"
	"github.com/nvandessel/costep/store"
)

// systemInfo summarizes one system of a run.
type systemInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"` // "fmu" or the registered component kind
	Connections int    `json:"connections"`
	Logged      int    `json:"logged_parameters"`
}

// runDetail is the full show output.
type runDetail struct {
	Name       string            `json:"name"`
	Meta       experiment.Meta   `json:"meta"`
	Simulation simulation.Config `json:"simulation"`
	Systems    []systemInfo      `json:"systems"`
	Rows       int               `json:"rows"`
	Columns    []string          `json:"columns"`
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <store> <run>",
		Short: "Show one run: provenance, configuration, result shape",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			ctx := cmd.Context()

			st, err := store.Open(args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := experiment.FromStore(ctx, st, args[1], slog.Default())
			if err != nil {
				return err
			}

			events := newEventLogger(cmd, args[0])
			defer events.Close()
			events.Log(map[string]any{"event": "show", "store": args[0], "run": run.Name()})

			cfg := run.ConfigSnapshot()
			detail := runDetail{
				Name:       run.Name(),
				Meta:       run.Meta(),
				Simulation: cfg.Simulation,
			}
			for _, name := range cfg.Models.Names() {
				info := systemInfo{Name: name, Connections: len(cfg.Models.ConnectionsOf(name))}
				if f, ok := cfg.Models.FMUs[name]; ok {
					info.Kind = "fmu"
					info.Logged = len(f.ParametersToLog)
				} else {
					c := cfg.Models.Components[name]
					info.Kind = c.Kind
					info.Logged = len(c.ParametersToLog)
				}
				detail.Systems = append(detail.Systems, info)
			}
			if results := run.Results(); results != nil {
				detail.Rows = results.Rows()
				detail.Columns = results.ColumnNames()
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(detail)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run: %s\n", detail.Name)
			if detail.Meta.Description != "" {
				fmt.Fprintf(out, "  Description: %s\n", detail.Meta.Description)
			}
			if len(detail.Meta.Keywords) > 0 {
				fmt.Fprintf(out, "  Keywords:    %s\n", strings.Join(detail.Meta.Keywords, ", "))
			}
			fmt.Fprintf(out, "  Created:     %s\n", detail.Meta.CreatedAt)
			fmt.Fprintf(out, "  Produced by: %s %s (%s, %s/%s)\n",
				"costep", detail.Meta.ToolVersion, detail.Meta.GoVersion, detail.Meta.OS, detail.Meta.Arch)
			fmt.Fprintf(out, "  Simulation:  stop_time=%g step_size=%g logging_step_size=%g\n",
				detail.Simulation.StopTime, detail.Simulation.StepSize, detail.Simulation.LoggingStepSize)
			fmt.Fprintf(out, "  Systems:\n")
			for _, sys := range detail.Systems {
				fmt.Fprintf(out, "    %s (%s): %d connections, %d logged\n",
					sys.Name, sys.Kind, sys.Connections, sys.Logged)
			}
			fmt.Fprintf(out, "  Results:     %d rows, %d columns\n", detail.Rows, len(detail.Columns))
			return nil
		},
	}
}
