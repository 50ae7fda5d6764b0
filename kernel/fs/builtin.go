package fs

import (
	"aurora/kernel"
	"aurora/kernel/io"
)

// Built-in drivers compiled into the kernel. Init registers every enabled
// driver.
const (
	EnableFat32 = true
	EnableExfat = true
	EnableNtfs  = true
	EnableRamfs = true
)

// stubVolume is the volume context handed out by the placeholder adapters.
// They accept any device and expose no files.
type stubVolume struct {
	fsType string
	device string
}

func stubDriver(name string) *Driver {
	return &Driver{
		Name: name,
		Mount: func(device, _ string) (Volume, *kernel.Error) {
			return &stubVolume{fsType: name, device: device}, nil
		},
		Unmount: func(Volume) *kernel.Error { return nil },
	}
}

func builtinDrivers(m *io.Manager) []*Driver {
	var list []*Driver
	if EnableFat32 {
		list = append(list, stubDriver("fat32"))
	}
	if EnableExfat {
		list = append(list, stubDriver("exfat"))
	}
	if EnableNtfs {
		list = append(list, stubDriver("ntfs"))
	}
	if EnableRamfs && m != nil {
		list = append(list, NewRamfsDriver(m))
	}
	return list
}
