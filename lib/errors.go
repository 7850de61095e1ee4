package tardis

import "fmt"

// Exit codes observed by the CLI layer.
const (
	ExitOK         = 0
	ExitUsage      = 64
	ExitIOState    = 74
	ExitTemporary  = 75
	ExitPermission = 77
	ExitFailure    = 1
)

// Kind classifies an operational error so cmd/common.go can map it to the
// right process exit code without string-matching messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindUsage
	KindPermission
	KindConfig
	KindFsProbe
	KindMount
	KindFormat
	KindSpaceExhaustion
	KindMetaIO
)

func (k Kind) exitCode() int {
	switch k {
	case KindUsage:
		return ExitUsage
	case KindPermission:
		return ExitPermission
	case KindConfig, KindFsProbe, KindMount, KindFormat, KindMetaIO:
		return ExitIOState
	case KindSpaceExhaustion:
		return ExitFailure
	default:
		return ExitFailure
	}
}

// Error is the typed error every lib/ entry point returns on failure. The
// CLI layer never has to inspect error text to decide an exit code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// ExitCode returns the process exit code for err, defaulting to
// ExitFailure for errors not produced by this package.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var terr *Error
	if as(err, &terr) {
		return terr.Kind.exitCode()
	}
	return ExitFailure
}

func as(err error, target **Error) bool {
	for err != nil {
		if terr, ok := err.(*Error); ok {
			*target = terr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func newErr(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func usageErrorf(format string, args ...interface{}) *Error {
	return newErr(KindUsage, nil, format, args...)
}

func permissionErrorf(format string, args ...interface{}) *Error {
	return newErr(KindPermission, nil, format, args...)
}

func configErrorf(cause error, format string, args ...interface{}) *Error {
	return newErr(KindConfig, cause, format, args...)
}

func fsProbeErrorf(cause error, format string, args ...interface{}) *Error {
	return newErr(KindFsProbe, cause, format, args...)
}

func mountErrorf(cause error, format string, args ...interface{}) *Error {
	return newErr(KindMount, cause, format, args...)
}

func formatErrorf(cause error, format string, args ...interface{}) *Error {
	return newErr(KindFormat, cause, format, args...)
}

func spaceExhaustionf(format string, args ...interface{}) *Error {
	return newErr(KindSpaceExhaustion, nil, format, args...)
}

func metaIOErrorf(cause error, format string, args ...interface{}) *Error {
	return newErr(KindMetaIO, cause, format, args...)
}
