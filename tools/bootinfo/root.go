package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bootinfo",
		Short: "Build and inspect aurora boot information blocks",
		Long: `bootinfo produces the packed boot information block that the loader
passes to the kernel and decodes existing blocks for inspection.

Commands:
  build       Build a boot info blob from a machine profile
  dump        Decode a boot info blob
  validate    Check the PE32+ header of a kernel image`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newBuildCmd(),
		newDumpCmd(),
		newValidateCmd(),
	)
	return rootCmd
}
