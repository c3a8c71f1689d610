package ssh

import (
	"errors"
	"fmt"
)

// ErrTimeout is wrapped by errors of operations that exceeded the host
// timeout.
var ErrTimeout = errors.New("operation timed out")

// Kind classifies a session failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAddressResolution: the host name could not be resolved.
	KindAddressResolution
	// KindTransport: TCP connect, timeouts or a broken connection.
	KindTransport
	// KindAuthentication: credentials were rejected or could not be loaded.
	KindAuthentication
	// KindProtocol: handshake, channel or SFTP level failures.
	KindProtocol
	// KindLocalIO: reading or writing a local file.
	KindLocalIO
)

func (k Kind) String() string {
	switch k {
	case KindAddressResolution:
		return "address resolution"
	case KindTransport:
		return "transport"
	case KindAuthentication:
		return "authentication"
	case KindProtocol:
		return "protocol"
	case KindLocalIO:
		return "local io"
	default:
		return "unknown"
	}
}

// Error is the error returned by every Session operation.
type Error struct {
	Kind Kind
	// Host is the identity of the session, user@address:port.
	Host string
	// Op is connect, execute, download or upload.
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s error: %v", e.Op, e.Host, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// localError marks failures on the local filesystem.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// remoteFileError marks failures reported by the SFTP server for a file.
type remoteFileError struct{ err error }

func (e *remoteFileError) Error() string { return e.err.Error() }
func (e *remoteFileError) Unwrap() error { return e.err }
