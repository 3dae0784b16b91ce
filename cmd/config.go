package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/babelcloud/adaptive-stream/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the merged defaults, config file and environment",
		Example: `  astream config show
  ASTREAM_STREAM_QUALITY=high astream config show -o json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			settings := config.AllSettings()

			var data []byte
			var err error
			switch format {
			case "toml":
				data, err = toml.Marshal(settings)
			case "json":
				data, err = json.MarshalIndent(settings, "", "  ")
			default:
				return errors.Errorf("invalid output format %q", format)
			}
			if err != nil {
				return errors.Wrap(err, "failed to encode config")
			}

			if file := config.ConfigFileUsed(); file != "" {
				fmt.Fprintf(out, "# loaded from %s\n", file)
			}
			fmt.Fprintln(out, string(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "toml", "Output format (toml or json)")
	cmd.RegisterFlagCompletionFunc("output", fixedCompletion("toml", "json"))
	return cmd
}
