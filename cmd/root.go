// Package cmd implements the depscan command line.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree. Inputs and outputs other than
// metrics textfiles go through appFs.
func NewRootCommand(appFs afero.Fs) *cobra.Command {
	root := &cobra.Command{
		Use:   "depscan",
		Short: "Find known vulnerabilities in a project's dependencies",
		Long: `depscan reads the dependencies of a Maven or Gradle project, queries the
OSV database for each of them and reports which packages are vulnerable,
how they entered the project and which version fixes them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newScanCommand(appFs))
	return root
}

// Execute runs the command line until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return NewRootCommand(afero.NewOsFs()).ExecuteContext(ctx)
}
