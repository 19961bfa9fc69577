package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/marina/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s %s\n", info.Module, info.Version); err != nil {
				return err
			}
			if verbose {
				_, _ = fmt.Fprintf(out, "revision: %s\nmodified: %t\ngo: %s\n", info.Revision, info.Modified, info.GoVersion)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include build details")
	return cmd
}
