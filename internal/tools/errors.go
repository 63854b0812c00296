package tools

import "errors"

// Tool registry errors.
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNameEmpty is returned when a descriptor has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolHandlerNil is returned when a descriptor has no handler.
	ErrToolHandlerNil = errors.New("tool handler cannot be nil")

	// ErrToolAlreadyRegistered is returned when registering a duplicate name.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrRegistrySealed is returned when registering after session start.
	ErrRegistrySealed = errors.New("tool registry is sealed for the session")

	// ErrMissingRequiredArg is returned when a required argument is absent.
	ErrMissingRequiredArg = errors.New("missing required argument")

	// ErrToolNotDelegable is returned when a capability list names a tool
	// that writes files or prompts the user.
	ErrToolNotDelegable = errors.New("tool cannot be delegated")
)
