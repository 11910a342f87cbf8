package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openroads/roadsurvey/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report ROAD_CODE",
	Short: "Build an attribute report for one road",
	Long: `Builds the dense per-chainage timeline and binned summary for the requested
attributes over a chainage window. The window bounds are required; without a
valid window the report is empty.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		registry, err := loadRegistry()
		if err != nil {
			return err
		}

		attrsStr, _ := cmd.Flags().GetString("attributes")
		assetCode, _ := cmd.Flags().GetString("asset")
		start, _ := cmd.Flags().GetInt("start")
		end, _ := cmd.Flags().GetInt("end")
		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")

		attributes := registry.Names()
		if attrsStr != "" {
			attributes = splitAndTrim(attrsStr)
		}

		f := report.Filter{
			RoadCode:   args[0],
			AssetCode:  assetCode,
			Attributes: attributes,
			Window:     report.Window{Start: &start, End: &end},
		}

		rep, err := report.NewBuilder(st, registry).Build(ctx, f)
		if err != nil {
			return err
		}
		if rep.Empty() {
			return eris.Errorf("empty report for %s: check --start/--end window", args[0])
		}

		out, closeOut, err := openOutput(outPath)
		if err != nil {
			return err
		}
		defer closeOut()

		switch format {
		case "json", "":
			return rep.WriteJSON(out)
		case "csv":
			return rep.WriteCSV(out)
		case "xlsx":
			return rep.WriteXLSX(out)
		default:
			return eris.Errorf("unknown format %q", format)
		}
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate ROAD_CODE...",
	Short: "Sum attribute timelines across roads into fixed ranges",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		registry, err := loadRegistry()
		if err != nil {
			return err
		}

		rows, err := report.NewBuilder(st, registry).CrossRoad(ctx, args)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")
		out, closeOut, err := openOutput(outPath)
		if err != nil {
			return err
		}
		defer closeOut()

		if format == "csv" {
			cw := csv.NewWriter(out)
			if err := cw.Write([]string{"attribute", "range", "length"}); err != nil {
				return eris.Wrap(err, "write csv header")
			}
			for _, row := range rows {
				rec := []string{row.Attribute, row.Range, strconv.FormatFloat(row.Length, 'f', -1, 64)}
				if err := cw.Write(rec); err != nil {
					return eris.Wrap(err, "write csv row")
				}
			}
			cw.Flush()
			return eris.Wrap(cw.Error(), "flush csv")
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "create %s", path)
	}
	return f, func() { _ = f.Close() }, nil
}

// splitAndTrim splits a comma-separated flag value into trimmed parts.
func splitAndTrim(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	reportCmd.Flags().String("attributes", "", "comma-separated attribute names (default: all reportable)")
	reportCmd.Flags().String("asset", "", "restrict to one link code")
	reportCmd.Flags().Int("start", 0, "window start chainage")
	reportCmd.Flags().Int("end", 0, "window end chainage")
	reportCmd.Flags().String("format", "json", "output format: json, csv, xlsx")
	reportCmd.Flags().String("out", "", "output file (default: stdout)")
	aggregateCmd.Flags().String("format", "json", "output format: json, csv")
	aggregateCmd.Flags().String("out", "", "output file (default: stdout)")
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(aggregateCmd)
}
