package kernel

// Error describes a failure inside the boot path. Errors are always declared
// as package-level pointers to Error so that reporting a failure never needs
// the Go allocator, which is not available while modules are being loaded.
// Callers compare errors by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
