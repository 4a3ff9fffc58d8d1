// clipforge/fetch/errors.go
package fetch

import (
	"errors"
	"fmt"
)

// Kind is the closed enumeration of fetch failure causes. The orchestrator
// maps kinds to user-facing messages; nothing downstream inspects error
// strings.
type Kind int

const (
	KindNetwork Kind = iota
	KindHTTPStatus
	KindForbidden
	KindRateLimited
	KindTooLarge
	KindEmptyFile
	KindInvalidLink
	KindUnsupportedSite
	KindPrivateContent
	KindService
	KindUnknownStatus
	KindSetup
	KindConnectivity
)

type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// KindOf extracts the failure kind, or KindNetwork for foreign errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNetwork
}
