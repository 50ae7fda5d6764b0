package main

import (
	"aurora/kernel/boot"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newBuildCmd() *cobra.Command {
	var (
		profilePath string
		outPath     string
		kernelPath  string
	)

	v := newProfileViper()
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a boot info blob from a machine profile",
		Long: `Build a packed boot info blob followed by its memory map.

Examples:
  # Build from a profile
  bootinfo build --profile qemu.yaml --out bootinfo.bin

  # Override the command line and take the kernel size from its image
  bootinfo build -p qemu.yaml -o bootinfo.bin --cmdline "root=ramfs:ram0" --kernel aurkern.exe`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile(v, profilePath)
			if err != nil {
				return err
			}

			if kernelPath != "" {
				if err := applyKernelImage(p, kernelPath); err != nil {
					return err
				}
			}

			blob, err := buildBlob(p)
			if err != nil {
				return err
			}

			if err := os.WriteFile(outPath, blob, 0o644); err != nil {
				return fmt.Errorf("failed to write blob: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s (load address 0x%x)\n", len(blob), outPath, p.LoadAddress)
			return nil
		},
	}

	cmd.Flags().StringVarP(&profilePath, "profile", "p", "", "machine profile (yaml, toml or json)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file")
	cmd.Flags().StringVar(&kernelPath, "kernel", "", "kernel image used to fill in the kernel placement")
	cmd.Flags().String("cmdline", "", "kernel command line")
	cmd.Flags().Uint64("load-address", DefaultLoadAddress, "physical address the blob is loaded at")
	_ = cmd.MarkFlagRequired("out")

	_ = v.BindPFlag("cmdline", cmd.Flags().Lookup("cmdline"))
	_ = v.BindPFlag("load_address", cmd.Flags().Lookup("load-address"))
	return cmd
}

// buildBlob encodes the boot info block and appends the memory map.
func buildBlob(p *Profile) ([]byte, error) {
	info, memMap, err := p.Info()
	if err != nil {
		return nil, err
	}

	raw, kerr := info.Encode()
	if kerr != nil {
		return nil, kerr
	}
	return append(raw, memMap...), nil
}

// applyKernelImage fills the kernel placement fields the profile left empty
// from the image header and file size.
func applyKernelImage(p *Profile, path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read kernel image: %w", err)
	}

	hdr, kerr := boot.ParseImageHeader(image)
	if kerr != nil {
		return fmt.Errorf("%s: %w", path, kerr)
	}

	if p.Kernel.VirtualBase == 0 {
		p.Kernel.VirtualBase = hdr.ImageBase
	}
	if p.Kernel.Size == 0 {
		p.Kernel.Size = uint64(len(image))
	}
	return nil
}
