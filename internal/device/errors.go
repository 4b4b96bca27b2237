package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/transport"
)

// Transport and chip sentinels are re-exported so callers need a single
// package to classify failures.
var (
	ErrDisconnected     = transport.ErrDisconnected
	ErrNotFound         = transport.ErrNotFound
	ErrPermissionDenied = transport.ErrPermissionDenied
	ErrUnsupported      = transport.ErrUnsupported
	ErrNotWritable      = transport.ErrNotWritable
	ErrUnknownChip      = chip.ErrUnknownChip
)

var (
	ErrNotSynchronized       = errors.ConstError("device not synchronized")
	ErrReacquisitionRequired = errors.ConstError("transport reacquisition required")
	ErrProtocolFraming       = errors.ConstError("protocol framing error")
	ErrTimeout               = errors.ConstError("timed out waiting for device")
	ErrLeaseHeld             = errors.ConstError("transport is leased to another session")
	ErrConnectionRejected    = errors.ConstError("network connection rejected")
	ErrSynchronization       = errors.ConstError("failed to synchronize")
	ErrWriteFailed           = errors.ConstError("flash write failed")
	ErrNoMatchingBuild       = errors.ConstError("no matching build")
)

// SyncError is returned when no reset strategy produced a handshake.
type SyncError struct {
	Attempts   int
	Strategies []string
	Err        error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s after %d attempts", ErrSynchronization, e.Attempts)
	if len(e.Strategies) > 0 {
		msg += " (tried " + strings.Join(e.Strategies, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSynchronization}
	}
	return []error{ErrSynchronization, e.Err}
}

// Hint is an operator-facing suggestion for getting the handshake through.
func (e *SyncError) Hint() string {
	return "try holding the BOOT (boot-strap) button while pressing RESET, then retry"
}

// WriteFailedError reports an aborted or unverified flash write. Unless
// Written reached Size the flash is left partially written.
type WriteFailedError struct {
	Region  string
	Offset  uint32
	Written int
	// Size is the length of the region, zero when unknown.
	Size int
	Err  error
}

// Incomplete reports whether the write stopped before the end of the
// region.
func (e *WriteFailedError) Incomplete() bool {
	return e.Size == 0 || e.Written < e.Size
}

func (e *WriteFailedError) Error() string {
	state := "flash contents do not match the image"
	if e.Incomplete() {
		state = "flash contents are now incomplete"
	}
	return fmt.Sprintf("%s: %s at 0x%x after %d bytes, %s: %v",
		ErrWriteFailed, e.Region, e.Offset, e.Written, state, e.Err)
}

func (e *WriteFailedError) Unwrap() []error { return []error{ErrWriteFailed, e.Err} }

// Kind is the coarse error class reported to the operator.
type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindSynchronization
	KindFraming
	KindUnsupported
	KindWriteFailed
	KindReacquisitionRequired
	KindNotSynchronized
	KindUnknownChip
	KindTimeout
	KindLeaseHeld
	KindConnectionRejected
	KindNoMatchingBuild
	KindCancelled
	KindOther
)

var kindNames = map[Kind]string{
	KindNone:                  "none",
	KindTransport:             "transport",
	KindSynchronization:       "synchronization",
	KindFraming:               "framing",
	KindUnsupported:           "unsupported",
	KindWriteFailed:           "write-failed",
	KindReacquisitionRequired: "reacquisition-required",
	KindNotSynchronized:       "not-synchronized",
	KindUnknownChip:           "unknown-chip",
	KindTimeout:               "timeout",
	KindLeaseHeld:             "lease-held",
	KindConnectionRejected:    "connection-rejected",
	KindNoMatchingBuild:       "no-matching-build",
	KindCancelled:             "cancelled",
	KindOther:                 "other",
}

func (k Kind) String() string { return kindNames[k] }

// KindOf classifies err. Outer classes win: a write that failed because
// the port vanished is KindWriteFailed.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrWriteFailed):
		return KindWriteFailed
	case errors.Is(err, ErrSynchronization):
		return KindSynchronization
	case errors.Is(err, ErrReacquisitionRequired):
		return KindReacquisitionRequired
	case errors.Is(err, ErrNoMatchingBuild):
		return KindNoMatchingBuild
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNotWritable):
		return KindTransport
	case errors.Is(err, ErrProtocolFraming):
		return KindFraming
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrNotSynchronized):
		return KindNotSynchronized
	case errors.Is(err, ErrUnknownChip):
		return KindUnknownChip
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrLeaseHeld):
		return KindLeaseHeld
	case errors.Is(err, ErrConnectionRejected):
		return KindConnectionRejected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}
	return KindOther
}
