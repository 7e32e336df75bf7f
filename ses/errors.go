package ses

import (
	"errors"
	"fmt"
)

// Vendor return codes.
const (
	CodeOK                        = 0
	CodeFail                      = 1
	CodeNotInitialized            = 2
	CodeInstrumentNotLoaded       = 3
	CodeNotSupported              = 4
	CodeTimeout                   = 5
	CodeAcquisitionNotInitialized = 6
	CodeAcquisitionRunning        = 7
	CodeRegionNotStarted          = 8
	CodeUnknownParameter          = 100
	CodeReadOnly                  = 101
	CodeIndexOutOfRange           = 102
	CodeBufferSize                = 103
	CodeValueOutOfRange           = 104
	CodeRegionInvalid             = 105
	CodeExternalIONotAvailable    = 106
)

// CodeMessages holds the text for each vendor code. Implementations of
// Library without their own message table may use it for ErrorMessage.
var CodeMessages = map[int]string{
	CodeOK:                        "no error",
	CodeFail:                      "operation failed",
	CodeNotInitialized:            "library not initialized",
	CodeInstrumentNotLoaded:       "instrument file not loaded",
	CodeNotSupported:              "operation not supported by the instrument",
	CodeTimeout:                   "timeout waiting for the instrument",
	CodeAcquisitionNotInitialized: "acquisition not initialized",
	CodeAcquisitionRunning:        "acquisition is running",
	CodeRegionNotStarted:          "no region iteration started",
	CodeUnknownParameter:          "unknown parameter name",
	CodeReadOnly:                  "parameter is read only",
	CodeIndexOutOfRange:           "index out of range",
	CodeBufferSize:                "buffer size mismatch",
	CodeValueOutOfRange:           "value out of range",
	CodeRegionInvalid:             "invalid analyzer region",
	CodeExternalIONotAvailable:    "external IO not available",
}

// ErrorKind classifies every failure of the driver.
type ErrorKind int

// Values of ErrorKind.
const (
	NotInitialized ErrorKind = iota + 1
	InvalidParameter
	VendorError
	Timeout
	Aborted
)

func (k ErrorKind) String() string {
	switch k {
	case NotInitialized:
		return "NotInitialized"
	case InvalidParameter:
		return "InvalidParameter"
	case VendorError:
		return "VendorError"
	case Timeout:
		return "Timeout"
	case Aborted:
		return "Aborted"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the error type returned by Instrument and by the driver built on it.
// Code is the vendor code, or 0 when the error did not come from the library.
type Error struct {
	Kind    ErrorKind
	Code    int
	Op      string
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Code != 0:
		return fmt.Sprintf("%s: %s (code %d)", e.Op, msg, e.Code)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Is reports whether target is an *Error of the same kind. A target with a
// zero Code matches any code, so the Err* sentinels match all errors of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

// Sentinels for use with errors.Is.
var (
	ErrNotInitialized   = &Error{Kind: NotInitialized}
	ErrInvalidParameter = &Error{Kind: InvalidParameter}
	ErrVendor           = &Error{Kind: VendorError}
	ErrTimeout          = &Error{Kind: Timeout}
	ErrAborted          = &Error{Kind: Aborted}
)

// KindOf returns the ErrorKind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Invalidf returns an InvalidParameter error with a formatted message.
func Invalidf(format string, args ...any) error {
	return &Error{Kind: InvalidParameter, Message: fmt.Sprintf(format, args...)}
}

// translate maps a nonzero vendor code from op to an *Error. It is the only
// place where vendor codes are interpreted.
func translate(op string, code int, message string) *Error {
	if message == "" {
		message = CodeMessages[code]
	}
	if message == "" {
		message = fmt.Sprintf("unknown vendor error %d", code)
	}
	e := &Error{Code: code, Op: op, Message: message}
	switch code {
	case CodeNotInitialized, CodeInstrumentNotLoaded:
		e.Kind = NotInitialized
	case CodeTimeout:
		e.Kind = Timeout
	default:
		e.Kind = VendorError
	}
	return e
}
