package cmd

import (
	"fmt"

	"github.com/babelcloud/adaptive-stream/config"
	"github.com/babelcloud/adaptive-stream/internal/util"
	"github.com/babelcloud/adaptive-stream/internal/version"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	configFile string

	rootCmd = &cobra.Command{
		Use:   "astream",
		Short: "Adaptive video streaming",
		Long: `astream serves a live video feed and watches it with a viewer that adapts
stream quality to the measured network conditions.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.InitLogger(verbose)
			util.SetupGlobalLogger()
			if configFile != "" {
				return config.UseConfigFile(configFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.ClientInfo()
				fmt.Fprintf(cmd.OutOrStdout(), "astream version %s, build %s\n", info["Version"], info["GitCommit"])
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "V", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default searches ., $XDG_CONFIG_HOME/astream, /etc/astream)")

	rootCmd.AddCommand(NewServerCmd())
	rootCmd.AddCommand(NewViewCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewSetCommand())
	rootCmd.AddCommand(NewHistoryCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewVersionCommand())

	// Enable custom help output ordering
	setupHelpCommand(rootCmd)
}
