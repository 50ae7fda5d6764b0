package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var root string

	rootCmd := &cobra.Command{
		Use:   "redirects",
		Short: "Manage the Go runtime redirect table of an aurora kernel image",
		Long: `redirects scans the kernel sources for functions annotated with
//go:redirect-from and patches their addresses into the redirect table of a
linked kernel image. The kernel installs the redirects at boot.

Commands:
  list        Print every redirect found in the sources
  count       Print the number of redirects
  populate    Write the redirect table into a kernel image`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&root, "root", ".", "module root that contains go.mod and the kernel sources")

	scan := func() ([]*redirect, error) {
		modPath, err := modulePath(root)
		if err != nil {
			return nil, err
		}
		return findRedirects(root, modPath)
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print every redirect found in the sources",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				redirects, err := scan()
				if err != nil {
					return err
				}
				for _, r := range redirects {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", r.src, r.dst)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "count",
			Short: "Print the number of redirects",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				redirects, err := scan()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d", len(redirects))
				return nil
			},
		},
		&cobra.Command{
			Use:   "populate [kernel-image]",
			Short: "Write the redirect table into a kernel image",
			Long: `Resolve the source and destination symbol of every redirect in the
given ELF or PE32+ kernel image and overwrite the placeholder redirect table.

Examples:
  redirects populate build/kernel.elf
  redirects --root ../aurora populate build/aurkern.exe`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				redirects, err := scan()
				if err != nil {
					return err
				}

				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read kernel image: %w", err)
				}
				if err = populate(data, redirects); err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				if err = os.WriteFile(args[0], data, 0o644); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s: populated %d redirects\n", args[0], len(redirects))
				return nil
			},
		},
	)
	return rootCmd
}
