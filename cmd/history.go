package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/util"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type HistoryOptions struct {
	URL          string
	Limit        int
	OutputFormat string
}

func NewHistoryCommand() *cobra.Command {
	opts := &HistoryOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent quality changes of a running server",
		Example: `  astream history
  astream history --limit 50 --output json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts)
		},
	}

	flags := cmd.Flags()
	addURLFlag(cmd, &opts.URL)
	flags.IntVarP(&opts.Limit, "limit", "n", 10, "Number of changes to show")
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", fixedCompletion("json", "text"))

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions) error {
	var changes []quality.Change
	target := fmt.Sprintf("%s/api/quality-history?limit=%d", serverURL(opts.URL), opts.Limit)
	if err := getJSON(target, &changes); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.OutputFormat == "json" {
		data, _ := json.MarshalIndent(changes, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	rows := make([]map[string]interface{}, 0, len(changes))
	for _, c := range changes {
		rows = append(rows, map[string]interface{}{
			"time":   c.At.Local().Format(time.TimeOnly),
			"from":   c.From.String(),
			"to":     levelColor(c.From, c.To).Sprint(c.To.String()),
			"reason": c.Reason,
		})
	}
	util.RenderTable(out, []util.TableColumn{
		{Header: "TIME", Key: "time"},
		{Header: "FROM", Key: "from"},
		{Header: "TO", Key: "to"},
		{Header: "REASON", Key: "reason"},
	}, rows)
	return nil
}

// levelColor is green for upgrades and yellow for downgrades.
func levelColor(from, to quality.Level) *color.Color {
	switch {
	case to > from:
		return color.New(color.FgGreen)
	case to < from:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}
