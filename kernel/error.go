package kernel

// Status is the status word returned by kernel services. It is also the
// value that the system-call gate hands back to user mode in the first
// scratch register. Values with the high bit set describe failures.
type Status uint32

// Status words shared by all kernel subsystems.
const (
	StatusSuccess               Status = 0x00000000
	StatusTimeout               Status = 0x00000102
	StatusPending               Status = 0x00000103
	StatusNoMoreEntries         Status = 0x8000001A
	StatusUnsuccessful          Status = 0xC0000001
	StatusNotImplemented        Status = 0xC0000002
	StatusAccessViolation       Status = 0xC0000005
	StatusNotInitialized        Status = 0xC0000007
	StatusInvalidHandle         Status = 0xC0000008
	StatusInvalidParameter      Status = 0xC000000D
	StatusAlreadyInitialized    Status = 0xC0000021
	StatusBufferTooSmall        Status = 0xC0000023
	StatusNameCollision         Status = 0xC0000035
	StatusInsufficientResources Status = 0xC000009A
	StatusDeviceNotConnected    Status = 0xC000009D
	StatusNotSupported          Status = 0xC00000BB
	StatusIoDeviceError         Status = 0xC0000185
	StatusNotFound              Status = 0xC0000225
	StatusInvalidTransaction    Status = 0xC000024A
	StatusInvalidLockState      Status = 0xC000024B
)

// IsError returns true if the status word describes a failure.
func (s Status) IsError() bool {
	return s&0x80000000 != 0
}

// String implements fmt.Stringer for Status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusPending:
		return "pending"
	case StatusNoMoreEntries:
		return "no more entries"
	case StatusUnsuccessful:
		return "unsuccessful"
	case StatusNotImplemented:
		return "not implemented"
	case StatusAccessViolation:
		return "access violation"
	case StatusNotInitialized:
		return "not initialized"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusAlreadyInitialized:
		return "already initialized"
	case StatusBufferTooSmall:
		return "buffer too small"
	case StatusNameCollision:
		return "name collision"
	case StatusInsufficientResources:
		return "insufficient resources"
	case StatusDeviceNotConnected:
		return "device not connected"
	case StatusNotSupported:
		return "not supported"
	case StatusIoDeviceError:
		return "i/o device error"
	case StatusNotFound:
		return "not found"
	case StatusInvalidTransaction:
		return "invalid transaction"
	case StatusInvalidLockState:
		return "invalid lock state"
	default:
		return "unknown status"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us during early
// boot so we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The status word reported to callers that expect one (e.g. the
	// system-call gate). A zero value maps to StatusUnsuccessful.
	Status Status
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// StatusOf returns the status word that corresponds to err. A nil error
// maps to StatusSuccess.
func StatusOf(err *Error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case err.Status == StatusSuccess:
		return StatusUnsuccessful
	default:
		return err.Status
	}
}
