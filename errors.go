package vone

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("the requested asset or attribute does not exist")
	ErrAuthorization = errors.New("the server rejected the supplied credentials")
	ErrProtocol      = errors.New("the server response could not be parsed")
	ErrTransport     = errors.New("the server could not be reached")
	ErrStaleWrite    = errors.New("the server reported a conflicting write")
	ErrUnresolvable  = errors.New("the attribute cannot be resolved to an asset")
	ErrBadArgument   = errors.New("one or more of the arguments is invalid")
	ErrQuery         = errors.New("the query could not be executed")
	ErrUnknownField  = errors.New("the field is not defined for the asset type")
	ErrClosed        = errors.New("the session has been closed")
	ErrDetached      = errors.New("the proxy was evicted and another proxy now stands for its asset")
)

// Error is a typed error returned by vone packages. It contains both a message
// explaining what happened as well as one or more error values it considers to
// be its causes. Error is compatible with the use of errors.Is() - calling
// errors.Is on some Error value err along with any value of error it holds as
// one of its causes will return true. This allows callers to check for
// ErrNotFound, ErrTransport, and the rest without needing to resort to manual
// typecasting.
//
// If Error has at least one cause defined, the result of calling Error.Error()
// will be its primary message with the result of calling Error() on its first
// cause appended to it.
//
// Error should not be used directly; call NewError or WrapError to create one.
type Error struct {
	msg   string
	cause []error
}

// Error returns the message defined for the Error. If a message was defined for
// it when created, that message is returned, concatenated with the result of
// calling Error() on the its first cause if one is defined. If no message or an
// empty message was defined for it when created, but there is at least one
// cause defined for it, the result of calling Error() on the first cause is
// returned. If no message is defined and no causes are defined, returns the
// empty string.
func (e Error) Error() string {
	if e.msg == "" && e.cause != nil {
		return e.cause[0].Error()
	}

	if e.cause != nil {
		return e.msg + ": " + e.cause[0].Error()
	}

	return e.msg
}

// Unwrap returns the causes of Error. The return value will be nil if no causes
// were defined for it.
func (e Error) Unwrap() []error {
	if len(e.cause) > 0 {
		return e.cause
	}
	return nil
}

// Causes returns a copy of every cause of e.
func (e Error) Causes() []error {
	causes := make([]error, len(e.cause))
	copy(causes, e.cause)
	return causes
}

// Is returns whether Error either Is itself the given target error, or one of
// its causes is.
func (e Error) Is(target error) bool {
	// is the target error itself?
	// (Error holds a slice and so cannot be compared with ==; causes are
	// compared by message instead.)
	if errTarget, ok := target.(Error); ok {
		if e.msg == errTarget.msg && len(e.cause) == len(errTarget.cause) {
			allCausesEqual := true
			for i := range e.cause {
				if e.cause[i].Error() != errTarget.cause[i].Error() {
					allCausesEqual = false
					break
				}
			}
			if allCausesEqual {
				return true
			}
		}
	}

	for i := range e.cause {
		// causes of type Error must have their own Is run so nested kinds
		// are found.
		if sErr, ok := e.cause[i].(Error); ok {
			if sErr.Is(target) {
				return true
			}
		} else if errors.Is(e.cause[i], target) {
			return true
		}
	}
	return false
}

// NewError creates a new Error with the given message, along with any errors it
// should wrap as its causes. Providing cause errors is not required, but will
// cause it to return true when it is checked against that error via a call to
// errors.Is.
func NewError(msg string, causes ...error) Error {
	err := Error{msg: msg}
	if len(causes) > 0 {
		err.cause = make([]error, len(causes))
		copy(err.cause, causes)
	}
	return err
}

// WrapError creates a new Error that wraps err as its primary cause and adds
// kind as another cause, so that errors.Is(result, kind) holds while err's own
// identity is preserved. If err already is of the given kind, the kind is not
// added a second time.
//
// msg, if provided, is used to create the msg of the error by calling
// fmt.Sprint.
func WrapError(err error, kind error, msg ...any) Error {
	var errMsg string
	if len(msg) > 0 {
		errMsg = fmt.Sprint(msg...)
	}

	causes := []error{err}
	if kind != nil && !errors.Is(err, kind) {
		causes = append(causes, kind)
	}

	return Error{msg: errMsg, cause: causes}
}

// WrapErrorf is WrapError but uses a format string for its message.
func WrapErrorf(err error, kind error, format string, a ...any) Error {
	wrapped := WrapError(err, kind)
	wrapped.msg = fmt.Sprintf(format, a...)
	return wrapped
}
