package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/adred-codev/meshring/internal/node"
)

// Stream carries the stream-assembly metadata for one frame.
type Stream struct {
	Stream string        `json:"stream"`
	Done   bool          `json:"done"`
	Error  *EncodedError `json:"error,omitempty"`
}

// Frame is one wire message. A logical message is chunked across one or
// more Frames sharing Stream.Stream; the last carries Stream.Done=true.
type Frame struct {
	ID       string      `json:"id"`
	Tag      *string     `json:"tag"`
	From     node.Node   `json:"from"`
	Stream   Stream      `json:"stream"`
	Data     *BufferJSON `json:"data"`
	CheckSum string      `json:"checkSum,omitempty"`
}

// forSigning returns the frame's JSON encoding with CheckSum cleared,
// which is what gets HMAC'd: checkSum == HMAC-SHA256(cookie, JSON(frame
// with checkSum cleared)).
func (f Frame) forSigning() ([]byte, error) {
	f.CheckSum = ""
	return json.Marshal(f)
}

// Sign computes and sets f.CheckSum using cookie. A zero-length cookie is
// treated as "cookies disabled" and clears CheckSum instead.
func (f *Frame) Sign(cookie string) error {
	if len(cookie) == 0 {
		f.CheckSum = ""
		return nil
	}
	payload, err := f.forSigning()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(cookie))
	mac.Write(payload)
	f.CheckSum = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify reports whether f's checksum matches what cookie would produce.
// When cookie is empty, verification always succeeds (cookies disabled).
func (f Frame) Verify(cookie string) bool {
	if len(cookie) == 0 {
		return true
	}
	payload, err := f.forSigning()
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(cookie))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(f.CheckSum))
}

// Encode serializes f to its wire JSON form.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a wire frame.
func Decode(b []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(b, &f)
	return f, err
}
