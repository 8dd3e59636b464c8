package domain

import "errors"

var (
	// ErrPermissionDenied means the host declined camera access. Recoverable by
	// the user re-granting permission and retrying enumeration.
	ErrPermissionDenied = errors.New("camera permission denied")

	// ErrDeviceUnavailable means enumeration produced no capture devices.
	ErrDeviceUnavailable = errors.New("no capture devices available")

	// ErrEngineNotInitialized means the decode engine was missing at call time.
	ErrEngineNotInitialized = errors.New("decode engine not initialized")

	// ErrUnknownDevice means a device ID that is not in the enumerated list.
	ErrUnknownDevice = errors.New("unknown capture device")

	ErrSessionNotFound = errors.New("scan session not found")
	ErrSessionClosed   = errors.New("scan session closed")

	ErrBookNotFound     = errors.New("book not found")
	ErrDuplicateISBN    = errors.New("a book with this ISBN already exists")
	ErrInvalidISBN      = errors.New("not a valid ISBN")
	ErrMetadataNotFound = errors.New("no metadata found for ISBN")
)
