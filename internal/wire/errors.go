// Package wire implements the signed, streamed message frame that the
// Network Kernel sends between peers.
package wire

import "errors"

// Error kinds surfaced to callers.
var (
	ErrInvalidChecksum = errors.New("wire: invalid checksum")
	ErrInvalidReply     = errors.New("wire: reply from unexpected node")
	ErrNoSink           = errors.New("wire: no sink for node")
	ErrNoTag            = errors.New("wire: reply without tag")
	ErrTimeout          = errors.New("wire: timeout")
	ErrInvalidJob       = errors.New("wire: invalid job payload")
	ErrDisconnected     = errors.New("wire: disconnected")
)

// EncodedError is the wire shape of an error attached to a stream's final
// frame (stream.error).
type EncodedError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// EncodeError wraps a Go error as a wire EncodedError.
func EncodeError(err error) *EncodedError {
	if err == nil {
		return nil
	}
	return &EncodedError{Kind: errKind(err), Message: err.Error()}
}

func errKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidChecksum):
		return "InvalidChecksum"
	case errors.Is(err, ErrInvalidReply):
		return "InvalidReply"
	case errors.Is(err, ErrNoSink):
		return "NoSink"
	case errors.Is(err, ErrNoTag):
		return "NoTag"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrInvalidJob):
		return "InvalidJob"
	case errors.Is(err, ErrDisconnected):
		return "Disconnected"
	default:
		return "Error"
	}
}

// Err converts a decoded EncodedError back into a Go error.
func (e *EncodedError) Err() error {
	if e == nil {
		return nil
	}
	return errors.New(e.Kind + ": " + e.Message)
}
