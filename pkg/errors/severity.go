package errors

import "errors"

// Severity ranks errors for parent/child propagation: when several children
// of one I/O fail differently, the parent keeps the worst error. The ranking
// is fixed: none < device-absent < checksum < generic-I/O < unexpected.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityDeviceGone
	SeverityChecksum
	SeverityIO
	SeverityUnexpected
)

// SeverityOf classifies an arbitrary error into the propagation ranking.
// Unknown errors rank as generic I/O; nil ranks as none.
func SeverityOf(err error) Severity {
	if err == nil {
		return SeverityNone
	}
	var pe *PoolError
	if !errors.As(err, &pe) {
		return SeverityIO
	}
	switch pe.Code {
	case ErrCodeDeviceGone:
		return SeverityDeviceGone
	case ErrCodeChecksum, ErrCodeBadHeader, ErrCodeDecompress:
		return SeverityChecksum
	case ErrCodeUnexpected:
		return SeverityUnexpected
	default:
		return SeverityIO
	}
}

// Worse returns whichever of a and b ranks higher in the severity ordering,
// preferring a on ties so the first-seen error sticks.
func Worse(a, b error) error {
	if SeverityOf(b) > SeverityOf(a) {
		return b
	}
	return a
}

// Code extracts the structured code from an error, or ErrCodeUnexpected when
// the error carries none.
func Code(err error) ErrorCode {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnexpected
}

// IsNoSpace reports whether the error is an allocation failure. No-space is
// the one failure the pipeline never retries blindly.
func IsNoSpace(err error) bool {
	return Code(err) == ErrCodeNoSpace
}

// IsChecksum reports whether the error is an integrity failure.
func IsChecksum(err error) bool {
	return SeverityOf(err) == SeverityChecksum
}

// IsDeviceGone reports whether the error marks a missing or detached device.
func IsDeviceGone(err error) bool {
	return Code(err) == ErrCodeDeviceGone
}
