package kernel

// Error describes a kernel error. All kernel errors are defined as package
// level variables that are pointers to this structure. This requirement
// stems from the fact that the Go allocator is not available to code that
// runs before the memory core has bootstrapped itself, so errors.New cannot
// be used.
type Error struct {
	// Module is the subsystem where the error originated.
	Module string

	// Message is a short, human readable description of the error.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
