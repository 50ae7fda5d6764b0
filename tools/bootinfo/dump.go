package main

import (
	"aurora/kernel/boot"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Report is the decoded form of a boot info blob.
type Report struct {
	Version     uint32          `yaml:"version"`
	Flags       []string        `yaml:"flags"`
	CmdLine     string          `yaml:"cmdline"`
	Kernel      PlacementReport `yaml:"kernel"`
	Initrd      PlacementReport `yaml:"initrd"`
	Framebuffer *Framebuffer    `yaml:"framebuffer,omitempty"`
	AcpiRsdp    string          `yaml:"acpi_rsdp,omitempty"`
	Memory      []RegionReport  `yaml:"memory,omitempty"`
}

// PlacementReport mirrors Placement with hex addresses.
type PlacementReport struct {
	PhysicalBase string `yaml:"physical_base"`
	VirtualBase  string `yaml:"virtual_base,omitempty"`
	Size         uint64 `yaml:"size"`
}

// RegionReport is a memory map entry.
type RegionReport struct {
	Base   string `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

func newDumpCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "dump [blob]",
		Short: "Decode a boot info blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read blob: %w", err)
			}

			r, err := decodeBlob(raw)
			if err != nil {
				return err
			}

			switch outputFormat {
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(r)
			case "text":
				printReport(cmd.OutOrStdout(), r)
				return nil
			default:
				return fmt.Errorf("unsupported output format %q", outputFormat)
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, yaml)")
	return cmd
}

// decodeBlob decodes the boot info block at the start of raw. The memory
// map is decoded when it directly follows the block.
func decodeBlob(raw []byte) (*Report, error) {
	info, kerr := boot.Decode(raw)
	if kerr != nil {
		return nil, kerr
	}

	r := &Report{
		Version: info.Version,
		CmdLine: info.CmdLine,
		Kernel: PlacementReport{
			PhysicalBase: hex(info.KernelPhysicalBase),
			VirtualBase:  hex(info.KernelVirtualBase),
			Size:         info.KernelSize,
		},
		Initrd: PlacementReport{
			PhysicalBase: hex(info.InitrdPhysicalBase),
			Size:         info.InitrdSize,
		},
	}

	for _, name := range []string{"efi", "legacy", "acpi", "graphics"} {
		if info.HasFlag(flagNames[name]) {
			r.Flags = append(r.Flags, name)
		}
	}

	if info.HasFlag(boot.FlagGraphics) {
		g := info.Graphics
		r.Framebuffer = &Framebuffer{
			Width:  g.HorizontalResolution,
			Height: g.VerticalResolution,
			Stride: g.PixelsPerScanLine,
			Format: pixelFormatName(g.PixelFormat),
			Base:   g.FramebufferBase,
			Size:   g.FramebufferSize,
		}
	}
	if info.AcpiRsdpAddress != 0 {
		r.AcpiRsdp = hex(info.AcpiRsdpAddress)
	}

	if end := boot.InfoSize + int(info.MemoryMapSize); info.MemoryMapSize != 0 && len(raw) >= end {
		descs, kerr := boot.DecodeMemoryMap(raw[boot.InfoSize:end], info.MemoryDescriptorSize)
		if kerr != nil {
			return nil, kerr
		}
		for _, d := range descs {
			r.Memory = append(r.Memory, RegionReport{Base: hex(d.BaseAddress), Length: d.Length, Type: d.Type.String()})
		}
	}

	return r, nil
}

func printReport(w io.Writer, r *Report) {
	fmt.Fprintf(w, "boot protocol v%d\n", r.Version)
	fmt.Fprintf(w, "  flags:    %s\n", strings.Join(r.Flags, ","))
	fmt.Fprintf(w, "  cmdline:  %q\n", r.CmdLine)
	fmt.Fprintf(w, "  kernel:   %s (virtual %s), %d bytes\n", r.Kernel.PhysicalBase, r.Kernel.VirtualBase, r.Kernel.Size)
	if r.Initrd.Size != 0 {
		fmt.Fprintf(w, "  initrd:   %s, %d bytes\n", r.Initrd.PhysicalBase, r.Initrd.Size)
	}
	if fb := r.Framebuffer; fb != nil {
		fmt.Fprintf(w, "  display:  %dx%d stride %d %s at 0x%x\n", fb.Width, fb.Height, fb.Stride, fb.Format, fb.Base)
	}
	if r.AcpiRsdp != "" {
		fmt.Fprintf(w, "  acpi:     rsdp at %s\n", r.AcpiRsdp)
	}

	if len(r.Memory) == 0 {
		return
	}
	fmt.Fprintf(w, "memory map:\n")
	for _, m := range r.Memory {
		fmt.Fprintf(w, "  %18s %12d %s\n", m.Base, m.Length, m.Type)
	}
}

func pixelFormatName(f boot.PixelFormat) string {
	for name, pf := range pixelFormats {
		if pf == f {
			return name
		}
	}
	return "unknown"
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
