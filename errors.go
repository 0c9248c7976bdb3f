package rtfallback

import "errors"

// Error kinds shared across the fallback core. Subpackages wrap these with
// fmt.Errorf("...: %w", ...) so callers can match with errors.Is regardless
// of which layer produced the failure.
var (
	// ErrInvalidGeometry is returned when a geometry descriptor violates
	// format, alignment, or count validation.
	ErrInvalidGeometry = errors.New("rtfallback: invalid geometry")

	// ErrUpdateNotPermitted is returned when a refit is requested on a
	// source acceleration structure built without the allow-update flag.
	ErrUpdateNotPermitted = errors.New("rtfallback: update not permitted")

	// ErrIncompatibleSerializedBlob is returned when a serialized blob's
	// driver identifier does not match this implementation.
	ErrIncompatibleSerializedBlob = errors.New("rtfallback: incompatible serialized blob")

	// ErrInsufficientScratch is returned when the caller-supplied scratch
	// buffer is smaller than the prebuild requirement.
	ErrInsufficientScratch = errors.New("rtfallback: insufficient scratch")

	// ErrDanglingReference is returned when a top-level build references a
	// bottom-level address that is not registered in the store.
	ErrDanglingReference = errors.New("rtfallback: dangling acceleration structure reference")

	// ErrIncompleteBinding is recorded when DispatchRays is attempted
	// before both the pipeline and the top-level structure are bound.
	// It surfaces when the command list is closed or submitted.
	ErrIncompleteBinding = errors.New("rtfallback: incomplete dispatch binding")

	// ErrDeviceRemoved is propagated from the backend. It is fatal: the
	// store drops every record and all outstanding handles are invalid.
	ErrDeviceRemoved = errors.New("rtfallback: device removed")
)
