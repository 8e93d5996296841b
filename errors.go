package nimbus

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// StorageError is the error surface shared by every layer of the engine.
// Sentinel values below can be refined with WithMessage or chained onto an
// underlying cause with Wrap; the results still satisfy errors.Is against
// the sentinel they were derived from.
type StorageError interface {
	error
	WithMessage(message string) StorageError
	Wrap(err error) StorageError
}

// coreError is a bare sentinel. It carries only its fixed message.
type coreError string

var ErrInvalidHandle = coreError("invalid file handle")
var ErrAlreadyOpen = coreError("file is already open")
var ErrOutOfRange = coreError("offset out of range")
var ErrStorageExhausted = coreError("no free block on any device")
var ErrChainCorruption = coreError("block chain ends before expected hop")
var ErrTransportFailure = coreError("bus transport failure")
var ErrInvalidResponse = coreError("malformed response frame")
var ErrNotPoweredOn = coreError("device array is not powered on")

func (e coreError) Error() string {
	return string(e)
}

func (e coreError) WithMessage(message string) StorageError {
	return chainedError{
		message: fmt.Sprintf("%s: %s", string(e), message),
		cause:   e,
	}
}

func (e coreError) Wrap(err error) StorageError {
	return chainedError{
		message: fmt.Sprintf("%s: %s", string(e), err.Error()),
		cause:   multierror.Append(e, err),
	}
}

// chainedError is a sentinel refined with extra context. `cause` holds the
// sentinel itself, plus the wrapped error if there was one.
type chainedError struct {
	message string
	cause   error
}

func (e chainedError) Error() string {
	return e.message
}

func (e chainedError) Unwrap() error {
	return e.cause
}

func (e chainedError) WithMessage(message string) StorageError {
	return chainedError{
		message: fmt.Sprintf("%s: %s", e.message, message),
		cause:   e,
	}
}

func (e chainedError) Wrap(err error) StorageError {
	return chainedError{
		message: fmt.Sprintf("%s: %s", e.message, err.Error()),
		cause:   multierror.Append(error(e), err),
	}
}
