package tunnelmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/coinstash/tunnelmux/internal/tunnelid"
)

// ErrManagerClosed is returned by any call made after, or concurrent
// with, Close.
var ErrManagerClosed = errors.New("tunnelmgr: manager closed")

// ErrTransportClosed names closure of the underlying transport. The
// Manager does not return it: a transport closure closes the manager,
// and creates still pending at that point fail with ErrManagerClosed.
var ErrTransportClosed = errors.New("tunnelmgr: transport closed")

// errnoNames maps the syscall errnos this package cares about to their
// symbolic C name, for BindError.Code and PeerError.Code.
var errnoNames = map[syscall.Errno]string{
	syscall.EADDRINUSE:   "EADDRINUSE",
	syscall.EADDRNOTAVAIL: "EADDRNOTAVAIL",
	syscall.EACCES:       "EACCES",
	syscall.ECONNREFUSED: "ECONNREFUSED",
	syscall.ECONNRESET:   "ECONNRESET",
	syscall.ENETUNREACH:  "ENETUNREACH",
	syscall.ETIMEDOUT:    "ETIMEDOUT",
}

// CodeOf extracts a symbolic error code (e.g. "EADDRINUSE") from a raw
// OS error, or "" if err doesn't wrap a recognized syscall.Errno.
func CodeOf(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if name, ok := errnoNames[errno]; ok {
			return name
		}
	}
	return ""
}

// BindError wraps a failed net.Listen call. Error() forwards the
// underlying message verbatim so it retains OS-specific text like
// "listen tcp [::]:9000: bind: address already in use".
type BindError struct {
	Op   string
	Addr string
	Code string
	Err  error
}

func newBindError(op, addr string, err error) *BindError {
	return &BindError{Op: op, Addr: addr, Code: CodeOf(err), Err: err}
}

func (e *BindError) Error() string { return e.Err.Error() }

func (e *BindError) Unwrap() error { return e.Err }

// PeerError is the raw structured error a peer sent back in proxyError.
// Its shape is not standardized end to end; only the optional "code"
// field is, which Code extracts for callers that want to pattern-match
// on things like "EADDRINUSE" the way they would a BindError.
type PeerError struct {
	TunnelID tunnelid.ID
	Cause    json.RawMessage
}

func (e *PeerError) Error() string {
	var tagged struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Cause, &tagged) == nil && tagged.Message != "" {
		return fmt.Sprintf("tunnelmgr: peer rejected tunnel %s: %s", e.TunnelID.ShortString(), tagged.Message)
	}
	return fmt.Sprintf("tunnelmgr: peer rejected tunnel %s: %s", e.TunnelID.ShortString(), string(e.Cause))
}

// Code extracts the peer's "code" field, if present.
func (e *PeerError) Code() string {
	var tagged struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(e.Cause, &tagged); err != nil {
		return ""
	}
	return tagged.Code
}

// protocolViolation marks a malformed or semantically invalid inbound
// message. It is only ever logged, never returned to a caller.
type protocolViolation struct {
	reason string
	raw    string
}

func (e protocolViolation) Error() string {
	return fmt.Sprintf("tunnelmgr: protocol violation: %s", e.reason)
}

// causeJSON builds the raw JSON payload sent back in a proxyError
// message for a local failure (bind failure or manager closed) so the
// peer's PeerError.Code() can still recover a symbolic code.
func causeJSON(err error) json.RawMessage {
	payload, marshalErr := json.Marshal(struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}{
		Message: err.Error(),
		Code:    CodeOf(err),
	})
	if marshalErr != nil {
		return json.RawMessage(`{"message":"internal error"}`)
	}
	return payload
}

// asBindError classifies a net.Listen failure. Non-OpError failures
// (which net.Listen does not produce in practice) still come back
// wrapped, just with an empty Code.
func asBindError(op, addr string, err error) *BindError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newBindError(opErr.Op, addr, err)
	}
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return newBindError(op, addr, err)
	}
	return newBindError(op, addr, err)
}
