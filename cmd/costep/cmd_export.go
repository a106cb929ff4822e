package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvandessel/costep/experiment"
	"github.com/nvandessel/costep/store"
	"github.com/nvandessel/costep/timeseries"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <store> <run>",
		Short: "Export a run's time series or configuration",
		Long: `Export the recorded time series as CSV, or the reconstructible run
configuration as YAML or JSON.

Examples:
  costep export experiments.db run-1 > run-1.csv
  costep export experiments.db run-1 --format yaml --out run-1.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			outPath, _ := cmd.Flags().GetString("out")
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
			events.Log(map[string]any{"event": "export", "store": args[0], "run": run.Name(), "format": format})

			out := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("creating %s: %w", outPath, err)
				}
				defer f.Close()
				out = f
			}

			switch format {
			case "csv":
				return writeCSV(out, run.Results())
			case "json":
				data, err := json.MarshalIndent(run.ConfigSnapshot(), "", "  ")
				if err != nil {
					return fmt.Errorf("encoding config: %w", err)
				}
				data = append(data, '\n')
				_, err = out.Write(data)
				return err
			case "yaml":
				data, err := yaml.Marshal(run.ConfigSnapshot())
				if err != nil {
					return fmt.Errorf("encoding config: %w", err)
				}
				_, err = out.Write(data)
				return err
			default:
				return fmt.Errorf("unknown format %q (csv, json, yaml)", format)
			}
		},
	}

	cmd.Flags().String("format", "csv", "Output format: csv (time series), json or yaml (configuration)")
	cmd.Flags().String("out", "", "Output file (default stdout)")
	return cmd
}

// writeCSV renders the frame row by row: time first, then the logged
// columns in logging order.
func writeCSV(out io.Writer, frame *timeseries.Frame) error {
	w := csv.NewWriter(out)
	header := append([]string{"time"}, frame.ColumnNames()...)
	if err := w.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for i := 0; i < frame.Rows(); i++ {
		record[0] = strconv.FormatFloat(frame.Time[i], 'g', -1, 64)
		for j := range frame.Columns {
			record[j+1] = formatSample(frame.Columns[j].Value(i))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatSample(v any) string {
	switch s := v.(type) {
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	}
	return fmt.Sprintf("%v", v)
}
