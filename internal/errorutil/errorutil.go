package errorutil

import "errors"

// ErrProtocolMismatch is returned when an end-of-call event does not match
// the frame currently open on a call tree.
var ErrProtocolMismatch = errors.New("call protocol mismatch")

// ErrResolution represents failures to map a raw method handle to a name.
var ErrResolution = errors.New("method resolution failed")

// ErrTreeNotFound is returned when no call tree exists for a thread.
var ErrTreeNotFound = errors.New("call tree not found")

// ErrUnknownThread is returned by host environments for threads they don't know.
var ErrUnknownThread = errors.New("unknown thread")
