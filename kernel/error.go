package kernel

// Kind classifies an Error so callers can branch on failure category without
// string-matching Message.
type Kind uint8

const (
	// KindUnspecified is the zero value; used by errors predating Kind or
	// that do not fit any of the categories below.
	KindUnspecified Kind = iota

	// KindOutOfRange indicates an index, address or count fell outside the
	// bounds the caller promised to stay within.
	KindOutOfRange

	// KindNotPresent indicates a page table entry, frame or other resource
	// a caller expected mapped/allocated was not.
	KindNotPresent

	// KindAllocFailure indicates a physical or virtual allocation request
	// could not be satisfied.
	KindAllocFailure

	// KindDeviceTimeout indicates a device did not respond within the
	// budget a caller allotted to it.
	KindDeviceTimeout

	// KindDeviceFault indicates a device reported an error status for a
	// command it accepted.
	KindDeviceFault

	// KindInvalidArgument indicates a caller-supplied argument was
	// malformed or inconsistent.
	KindInvalidArgument

	// KindNotFound indicates a lookup (task id, queue id, device) found no
	// matching entry.
	KindNotFound
)

// Error describes a kernel kerror. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error. Zero (KindUnspecified) is valid for
	// errors that predate this field.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
