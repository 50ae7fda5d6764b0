package block

import (
	"aurora/kernel"
	"aurora/kernel/cpu"
	"aurora/kernel/io"
	"strings"
)

// ATASectorSize is the logical sector size reported for ATA disks.
const ATASectorSize = 512

const (
	ataPrimaryIO = uint16(0x1f0)

	ataRegData      = 0
	ataRegSectors   = 2
	ataRegLBALow    = 3
	ataRegLBAMid    = 4
	ataRegLBAHigh   = 5
	ataRegDrive     = 6
	ataRegCommand   = 7
	ataRegStatus    = 7
	ataSelectMaster = 0xa0
	ataCmdIdentify  = 0xec

	ataStatusERR = 0x01
	ataStatusDRQ = 0x08
	ataStatusBSY = 0x80

	// ataFloatingBus is read back from the status port when no controller
	// decodes the address.
	ataFloatingBus = 0xff

	ataPollLimit = 100000
)

var (
	// Port accessors; tests replace them with a simulated controller.
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
	portReadWordFn  = cpu.PortReadWord

	errNoController  = &kernel.Error{Module: "block", Message: "no ATA device on the primary channel", Status: kernel.StatusDeviceNotConnected}
	errATATimeout    = &kernel.Error{Module: "block", Message: "ATA device did not respond", Status: kernel.StatusIoDeviceError}
	errATADevice     = &kernel.Error{Module: "block", Message: "ATA IDENTIFY aborted", Status: kernel.StatusIoDeviceError}
	errATAPIOMissing = &kernel.Error{Module: "block", Message: "ATA PIO transfers are not implemented", Status: kernel.StatusNotImplemented}
)

// ATAInfo is the transport state of an ATA disk.
type ATAInfo struct {
	Model string
	LBA48 bool
}

// ProbeATA issues IDENTIFY DEVICE to the master drive of the primary
// channel and creates the "ata0" block device when a disk answers.
func ProbeATA(m *io.Manager) (*io.Device, *kernel.Error) {
	ident, err := ataIdentify()
	if err != nil {
		return nil, err
	}

	info := &ATAInfo{
		Model: ataString(ident[27:47]),
		LBA48: ident[83]&(1<<10) != 0,
	}

	var sectors uint64
	if info.LBA48 {
		sectors = uint64(ident[100]) | uint64(ident[101])<<16 | uint64(ident[102])<<32 | uint64(ident[103])<<48
	} else {
		sectors = uint64(ident[60]) | uint64(ident[61])<<16
	}

	return CreateDevice(m, "ata0", &Extension{
		BlockSize:  ATASectorSize,
		BlockCount: sectors,
		Type:       TypeATA,
		Transport:  info,
	})
}

func ataIdentify() (*[256]uint16, *kernel.Error) {
	portWriteByteFn(ataPrimaryIO+ataRegDrive, ataSelectMaster)
	portWriteByteFn(ataPrimaryIO+ataRegSectors, 0)
	portWriteByteFn(ataPrimaryIO+ataRegLBALow, 0)
	portWriteByteFn(ataPrimaryIO+ataRegLBAMid, 0)
	portWriteByteFn(ataPrimaryIO+ataRegLBAHigh, 0)
	portWriteByteFn(ataPrimaryIO+ataRegCommand, ataCmdIdentify)

	status := portReadByteFn(ataPrimaryIO + ataRegStatus)
	if status == 0 || status == ataFloatingBus {
		return nil, errNoController
	}

	if !ataPoll(func(s uint8) bool { return s&ataStatusBSY == 0 }) {
		return nil, errATATimeout
	}

	// ATAPI and SATA bridges report a signature in the LBA registers.
	if portReadByteFn(ataPrimaryIO+ataRegLBAMid) != 0 || portReadByteFn(ataPrimaryIO+ataRegLBAHigh) != 0 {
		return nil, errNoController
	}

	var status2 uint8
	if !ataPoll(func(s uint8) bool { status2 = s; return s&(ataStatusDRQ|ataStatusERR) != 0 }) {
		return nil, errATATimeout
	}
	if status2&ataStatusERR != 0 {
		return nil, errATADevice
	}

	var ident [256]uint16
	for i := range ident {
		ident[i] = portReadWordFn(ataPrimaryIO + ataRegData)
	}
	return &ident, nil
}

func ataPoll(done func(uint8) bool) bool {
	for i := 0; i < ataPollLimit; i++ {
		if done(portReadByteFn(ataPrimaryIO + ataRegStatus)) {
			return true
		}
	}
	return false
}

// ataString decodes an IDENTIFY string; each word holds two characters with
// the first one in the high byte.
func ataString(words []uint16) string {
	b := make([]byte, 0, len(words)*2)
	for _, w := range words {
		b = append(b, byte(w>>8), byte(w))
	}
	return strings.TrimRight(string(b), " \x00")
}

func ataReadWrite(_ *io.Device, _ uint64, _ uint32, _ []byte, _ bool) *kernel.Error {
	return errATAPIOMissing
}

func init() {
	_ = RegisterRwHandler(TypeATA, ataReadWrite)
}
