package cpu

var (
	cpuidFn = ID
)

// Model-specific registers used by the kernel.
const (
	// MsrEFER holds the extended feature enable bits (SCE, LME, NXE).
	MsrEFER = uint32(0xC0000080)

	// MsrSTAR holds the segment selectors loaded by SYSCALL/SYSRET.
	MsrSTAR = uint32(0xC0000081)

	// MsrLSTAR holds the 64-bit SYSCALL entry point.
	MsrLSTAR = uint32(0xC0000082)

	// MsrFMASK holds the RFLAGS bits cleared on SYSCALL entry.
	MsrFMASK = uint32(0xC0000084)

	// MsrGSBase holds the GS segment base.
	MsrGSBase = uint32(0xC0000101)
)

// EFER bits.
const (
	EferSyscallEnable  = uint64(1 << 0)
	EferLongModeEnable = uint64(1 << 8)
	EferNoExecute      = uint64(1 << 11)
)

// FlagInterruptEnable is the IF bit in RFLAGS.
const FlagInterruptEnable = uint64(1 << 9)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if the IF flag is set in RFLAGS.
func InterruptsEnabled() bool

// Halt stops instruction execution.
func Halt()

// Pause waits for the next interrupt without disabling interrupts. It is
// used by the idle thread.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadMSR returns the contents of the requested model-specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR stores val to the requested model-specific register.
func WriteMSR(msr uint32, val uint64)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasNX returns true if the processor supports the no-execute page flag.
func HasNX() bool {
	maxLeaf, _, _, _ := cpuidFn(0x80000000)
	if maxLeaf < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<20) != 0
}

// HasRDRAND returns true if the processor implements the RDRAND instruction.
func HasRDRAND() bool {
	_, _, ecx, _ := cpuidFn(1)
	return ecx&(1<<30) != 0
}

// ReadRandom executes RDRAND. The returned flag is false when the hardware
// generator had no entropy available; callers are expected to retry.
func ReadRandom() (ret uint64, ok bool)

// ReadTSC returns the value of the timestamp counter.
func ReadTSC() uint64

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a uint16 value to the requested port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// PortReadWord reads a uint16 value from the requested port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a uint32 value from the requested port.
func PortReadDword(port uint16) uint32
