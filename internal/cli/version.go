package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewVersionCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(root.OutputOptions())
		},
	}
}

func printVersion(opts *OutputOptions) error {
	if opts.Format != OutputText {
		return PrintOutput(map[string]string{
			"version":   cliVersion,
			"buildDate": cliBuildDate,
			"gitCommit": cliGitCommit,
		}, opts)
	}

	fmt.Fprintf(opts.Writer, "mri-api version %s\n", cliVersion)
	fmt.Fprintf(opts.Writer, "  Commit: %s\n", cliGitCommit)
	fmt.Fprintf(opts.Writer, "  Built:  %s\n", cliBuildDate)
	return nil
}
