// Package cmd assembles the paramhub command tree.
package cmd

import (
	"github.com/grovetools/paramhub/cli"
	"github.com/grovetools/paramhub/pkg/profiling"
	"github.com/grovetools/paramhub/version"
	"github.com/spf13/cobra"
)

// NewRootCmd returns the paramhub root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand(
		"paramhub",
		"Real-time parameter hub for parametric CAD",
	)
	cli.SetVersionTemplate(root, version.GetInfo())
	profiling.NewCobraProfiler().Attach(root)

	root.AddCommand(NewHubCmd())
	root.AddCommand(NewConfigCmd())
	root.AddCommand(cli.NewVersionCommand())
	return root
}
