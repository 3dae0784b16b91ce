package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

// helpGroup lists top-level commands under one heading of the root help.
type helpGroup struct {
	title string
	names []string
}

var rootHelpGroups = []helpGroup{
	{title: "Viewing", names: []string{"view", "probe"}},
	{title: "Server", names: []string{"server", "set", "history"}},
	{title: "Other", names: []string{"config", "version", "completion", "help"}},
}

// Setup help command
func setupHelpCommand(rootCmd *cobra.Command) {
	defaultHelp := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != cmd.Root() {
			defaultHelp(cmd, args)
			return
		}
		printRootHelp(cmd)
	})
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:   "help [command]",
		Short: "Show help information",
		Run: func(cmd *cobra.Command, args []string) {
			target, _, err := cmd.Root().Find(args)
			if len(args) == 0 || err != nil || target == nil {
				printRootHelp(cmd.Root())
				return
			}
			target.Help()
		},
	})
	rootCmd.PersistentFlags().BoolP("help", "", false, "")
	rootCmd.PersistentFlags().MarkHidden("help")
}

// printRootHelp prints the root help with commands grouped by what they
// act on. Commands missing from rootHelpGroups land in the last group.
func printRootHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()

	if cmd.Long != "" {
		fmt.Fprintln(out, cmd.Long)
	} else if cmd.Short != "" {
		fmt.Fprintln(out, cmd.Short)
	}

	fmt.Fprintln(out, "\nUsage:")
	fmt.Fprintf(out, "  %s [command] [flags]\n", cmd.Name())

	available := map[string]*cobra.Command{}
	for _, c := range cmd.Commands() {
		if c.IsAvailableCommand() || c.Name() == "help" {
			available[c.Name()] = c
		}
	}

	for i, g := range rootHelpGroups {
		var cmds []*cobra.Command
		for _, name := range g.names {
			if c, ok := available[name]; ok {
				cmds = append(cmds, c)
				delete(available, name)
			}
		}
		if i == len(rootHelpGroups)-1 {
			var rest []*cobra.Command
			for _, c := range available {
				rest = append(rest, c)
			}
			sort.Slice(rest, func(a, b int) bool { return rest[a].Name() < rest[b].Name() })
			cmds = append(cmds, rest...)
		}
		printCommandGroup(out, g.title, cmds)
	}

	fmt.Fprintln(out, "\nFlags:")
	fmt.Fprint(out, cmd.Flags().FlagUsages())

	fmt.Fprintf(out, "\nUse \"%s [command] --help\" for more information about a command.\n", cmd.Name())
}

func printCommandGroup(out io.Writer, title string, cmds []*cobra.Command) {
	if len(cmds) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%s Commands:\n", title)
	for _, c := range cmds {
		fmt.Fprintf(out, "  %-10s %s\n", c.Name(), c.Short)
	}
}
