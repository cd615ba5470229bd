package kernel

// Error describes a kernel error. All kernel errors are defined as package
// level pointers to an Error value so callers can compare them by identity
// instead of inspecting messages.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Module == "" {
		return e.Message
	}

	return e.Module + ": " + e.Message
}
