package main

import (
	"aurora/kernel/boot"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var loadBase uint64

	cmd := &cobra.Command{
		Use:   "validate [kernel-image]",
		Short: "Check the PE32+ header of a kernel image",
		Long: `Check that a kernel image carries the DOS and PE32+ headers the loader
expects and report the entry point for the given load base.

Examples:
  bootinfo validate build/aurkern.exe
  bootinfo validate build/aurkern.exe --load-base 0x200000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read kernel image: %w", err)
			}

			return validateImage(cmd, args[0], image, loadBase)
		},
	}

	cmd.Flags().Uint64Var(&loadBase, "load-base", 0, "physical address the image is loaded at (defaults to the image base)")
	return cmd
}

// validateImage reports the header of image. A zero loadBase selects the
// preferred image base.
func validateImage(cmd *cobra.Command, path string, image []byte, loadBase uint64) error {
	hdr, kerr := boot.ParseImageHeader(image)
	if kerr != nil {
		return fmt.Errorf("%s: %w", path, kerr)
	}

	if loadBase == 0 {
		loadBase = hdr.ImageBase
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: PE32+ amd64 image\n", path)
	fmt.Fprintf(w, "  image base:  0x%x\n", hdr.ImageBase)
	fmt.Fprintf(w, "  entry rva:   0x%x\n", hdr.EntryRVA)
	fmt.Fprintf(w, "  entry point: 0x%x\n", hdr.EntryPoint(loadBase))
	if hdr.NeedsRelocation(loadBase) {
		fmt.Fprintf(w, "  warning: load base 0x%x differs from the image base; relocations required\n", loadBase)
	}
	if name := filepath.Base(path); !strings.EqualFold(name, boot.KernelImageName) {
		fmt.Fprintf(w, "  warning: the loader looks for %s, not %s\n", boot.KernelImageName, name)
	}
	return nil
}
