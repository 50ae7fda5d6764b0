package main

import (
	"aurora/kernel/boot"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DefaultLoadAddress is where the loader copies the boot info blob unless
// the profile says otherwise.
const DefaultLoadAddress = uint64(0x8000)

// Profile describes the machine a boot info blob is built for. It is read
// from a YAML, TOML or JSON file.
type Profile struct {
	LoadAddress    uint64       `mapstructure:"load_address"`
	Flags          []string     `mapstructure:"flags"`
	CmdLine        string       `mapstructure:"cmdline"`
	Kernel         Placement    `mapstructure:"kernel"`
	Initrd         Placement    `mapstructure:"initrd"`
	Framebuffer    *Framebuffer `mapstructure:"framebuffer"`
	AcpiRsdp       uint64       `mapstructure:"acpi_rsdp"`
	EfiSystemTable uint64       `mapstructure:"efi_system_table"`
	Memory         []Region     `mapstructure:"memory"`
}

// Placement locates an image in physical memory.
type Placement struct {
	PhysicalBase uint64 `mapstructure:"physical_base"`
	VirtualBase  uint64 `mapstructure:"virtual_base"`
	Size         uint64 `mapstructure:"size"`
}

// Framebuffer describes the graphics mode set up by the loader.
type Framebuffer struct {
	Width  uint32 `mapstructure:"width"`
	Height uint32 `mapstructure:"height"`
	Stride uint32 `mapstructure:"stride"`
	Format string `mapstructure:"format"`
	Base   uint64 `mapstructure:"base"`
	Size   uint64 `mapstructure:"size"`
}

// Region is a memory map entry.
type Region struct {
	Base   uint64 `mapstructure:"base"`
	Length uint64 `mapstructure:"length"`
	Type   string `mapstructure:"type"`
}

var (
	flagNames = map[string]boot.Flag{
		"efi":      boot.FlagEFI,
		"legacy":   boot.FlagLegacy,
		"acpi":     boot.FlagACPI,
		"graphics": boot.FlagGraphics,
	}

	pixelFormats = map[string]boot.PixelFormat{
		"rgb":     boot.PixelRGB,
		"bgr":     boot.PixelBGR,
		"bitmask": boot.PixelBitmask,
		"blt":     boot.PixelBltOnly,
	}

	memoryTypes = map[string]boot.MemoryType{
		"available":    boot.MemAvailable,
		"reserved":     boot.MemReserved,
		"acpi-reclaim": boot.MemAcpiReclaim,
		"acpi-nvs":     boot.MemAcpiNvs,
		"bad":          boot.MemBad,
		"bootloader":   boot.MemBootloader,
		"kernel":       boot.MemKernel,
	}
)

// newProfileViper returns a viper instance with the profile defaults. Values
// can be overridden with AURORA_* environment variables, e.g.
// AURORA_CMDLINE or AURORA_KERNEL_PHYSICAL_BASE.
func newProfileViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("load_address", DefaultLoadAddress)
	v.SetDefault("flags", []string{"efi"})
	v.SetDefault("kernel.physical_base", 0x100000)

	v.SetEnvPrefix("AURORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadProfile reads the profile at path into v and decodes it. An empty
// path yields a profile built from the defaults alone.
func loadProfile(v *viper.Viper, path string) (*Profile, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading profile: %w", err)
		}
	}

	var p Profile
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("error unmarshaling profile: %w", err)
	}
	return &p, nil
}

// Info converts the profile into a boot info block. The memory map is
// encoded separately and placed right after the block, so its address is
// derived from the load address.
func (p *Profile) Info() (*boot.Info, []byte, error) {
	info := &boot.Info{
		Magic:              boot.Magic,
		Version:            boot.Version,
		KernelPhysicalBase: p.Kernel.PhysicalBase,
		KernelVirtualBase:  p.Kernel.VirtualBase,
		KernelSize:         p.Kernel.Size,
		InitrdPhysicalBase: p.Initrd.PhysicalBase,
		InitrdSize:         p.Initrd.Size,
		AcpiRsdpAddress:    p.AcpiRsdp,
		EfiSystemTable:     p.EfiSystemTable,
		CmdLine:            p.CmdLine,
	}

	for _, name := range p.Flags {
		f, ok := flagNames[strings.ToLower(name)]
		if !ok {
			return nil, nil, fmt.Errorf("unknown boot flag %q", name)
		}
		info.Flags |= f
	}

	if fb := p.Framebuffer; fb != nil {
		format := boot.PixelBGR
		if fb.Format != "" {
			var ok bool
			if format, ok = pixelFormats[strings.ToLower(fb.Format)]; !ok {
				return nil, nil, fmt.Errorf("unknown pixel format %q", fb.Format)
			}
		}

		stride := fb.Stride
		if stride == 0 {
			stride = fb.Width
		}

		info.Flags |= boot.FlagGraphics
		info.Graphics = boot.GraphicsInfo{
			HorizontalResolution: fb.Width,
			VerticalResolution:   fb.Height,
			PixelsPerScanLine:    stride,
			PixelFormat:          format,
			FramebufferBase:      fb.Base,
			FramebufferSize:      fb.Size,
		}
	}

	if info.AcpiRsdpAddress != 0 {
		info.Flags |= boot.FlagACPI
	}

	descs := make([]boot.MemoryDescriptor, 0, len(p.Memory))
	for _, r := range p.Memory {
		t, ok := memoryTypes[strings.ToLower(r.Type)]
		if !ok {
			return nil, nil, fmt.Errorf("unknown memory type %q for region 0x%x", r.Type, r.Base)
		}
		descs = append(descs, boot.MemoryDescriptor{BaseAddress: r.Base, Length: r.Length, Type: t})
	}

	var memMap []byte
	if len(descs) != 0 {
		memMap = boot.EncodeMemoryMap(descs)
		info.MemoryMapSize = uint32(len(memMap))
		info.MemoryMapAddress = p.LoadAddress + boot.InfoSize
		info.MemoryDescriptorSize = boot.MemoryDescriptorSize
	}

	return info, memMap, nil
}
