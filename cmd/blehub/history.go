package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blehub/history"
)

var historyCmd = &cobra.Command{
	Use:   "history <interval> <topic>",
	Short: "Query recorded interval means",
	Long: `Read the local history logs written by a running bridge.

The window is either --age hours back from now, or --from/--to. Times accept
RFC 3339, a plain date (2006-01-02) or epoch milliseconds.

Example:
  blehub history hour /ble/advertise/kitchen/temp --age 24`,
	Args: cobra.ExactArgs(2),
	RunE: runHistory,
}

var (
	historyAge    float64
	historyFrom   string
	historyTo     string
	historyFormat string
)

func init() {
	historyCmd.Flags().Float64Var(&historyAge, "age", 0, "Hours back from now")
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "Window start")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "Window end (default now)")
	historyCmd.Flags().StringVarP(&historyFormat, "format", "f", "table", "Output format (table, json)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyFormat != "table" && historyFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", historyFormat)
	}
	req := history.Request{Interval: args[0], Topic: args[1]}
	if historyAge > 0 {
		req.Age = &historyAge
	}
	if historyFrom != "" {
		req.From = historyFrom
	}
	if historyTo != "" {
		req.To = historyTo
	}
	from, to, err := req.Window(time.Now())
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	svc := history.New(nil, history.NewStore(cfg.History.Dir, logger), history.OptionsFromConfig(cfg), logger)
	series, err := svc.Query(req.Interval, req.Topic, from, to)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(series)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tVALUE")
	for i, ms := range series.Times {
		fmt.Fprintf(w, "%s\t%v\n", time.UnixMilli(ms).Format(time.RFC3339), series.Data[i])
	}
	return w.Flush()
}
