package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error so that reporting them never requires a memory
// allocation; callers compare the returned pointer against the exported
// values of the package that produced it.
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
