package symbolicate

import (
	"context"
	"errors"
	"fmt"

	"github.com/VladMinzatu/symbolicator/internal/symbolizer"
	"github.com/VladMinzatu/symbolicator/internal/symtab"
)

// Kind is the stable discriminant reported as error_type.
type Kind string

const (
	KindInvalidInput             Kind = "InvalidInputError"
	KindUnmatchedModuleIndex     Kind = "UnmatchedModuleIndex"
	KindUnrecognizedFormat       Kind = "UnrecognizedFormat"
	KindIncompatibleArchitecture Kind = "IncompatibleArchitecture"
	KindBuildIDMismatch          Kind = "BuildIdMismatch"
	KindAddressOutOfBounds       Kind = "AddressOutOfBounds"
	KindExtraction               Kind = "ExtractionError"
	KindProvider                 Kind = "ProviderError"
	KindSerialization            Kind = "SerializationError"
)

// Error is returned for every failure that crosses the package boundary.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Classify maps errors from the extraction and provider layers onto a Kind.
// Unknown errors are extraction failures.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var mismatch *symbolizer.BuildIDMismatchError
	switch {
	case errors.As(err, &mismatch):
		return KindBuildIDMismatch
	case errors.Is(err, symtab.ErrAddressOutOfBounds):
		return KindAddressOutOfBounds
	case errors.Is(err, symbolizer.ErrUnrecognizedFormat):
		return KindUnrecognizedFormat
	case errors.Is(err, symbolizer.ErrIncompatibleArchitecture):
		return KindIncompatibleArchitecture
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindProvider
	default:
		return KindExtraction
	}
}

type errorJSON struct {
	ErrorType string `json:"error_type"`
	ErrorMsg  string `json:"error_msg"`
}

// EncodeError renders err as {"error_type", "error_msg"}.
func EncodeError(err error) []byte {
	out, merr := json.Marshal(errorJSON{ErrorType: string(Classify(err)), ErrorMsg: err.Error()})
	if merr != nil {
		return []byte(`{"error_type":"SerializationError","error_msg":"encode error"}`)
	}
	return out
}
