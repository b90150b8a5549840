package wire

import (
	"testing"

	"github.com/adred-codev/meshring/internal/node"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	tag := "abc-123"
	f := Frame{
		ID:   "gossip",
		Tag:  &tag,
		From: node.Node{ID: "n1", Host: "127.0.0.1", Port: 9000},
		Stream: Stream{
			Stream: "s1",
			Done:   true,
		},
		Data: NewBuffer([]byte("hello")),
	}

	if err := f.Sign("cookie"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if f.CheckSum == "" {
		t.Fatalf("expected non-empty checksum")
	}
	if !f.Verify("cookie") {
		t.Fatalf("verify failed with correct cookie")
	}
	if f.Verify("different") {
		t.Fatalf("verify should fail with wrong cookie")
	}
}

func TestEncodeDecodeIsIdentity(t *testing.T) {
	tag := "t1"
	orig := Frame{
		ID:   "p",
		Tag:  &tag,
		From: node.Node{ID: "a", Host: "h", Port: 1},
		Stream: Stream{
			Stream: "str",
			Done:   false,
		},
		Data: NewBuffer([]byte{1, 2, 3, 255, 0}),
	}
	if err := orig.Sign("cookie"); err != nil {
		t.Fatalf("sign: %v", err)
	}

	encoded, err := Encode(orig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.ID != orig.ID || *decoded.Tag != *orig.Tag || decoded.CheckSum != orig.CheckSum {
		t.Fatalf("round-trip mismatch: %+v vs %+v", decoded, orig)
	}
	if !decoded.Verify("cookie") {
		t.Fatalf("decoded frame should still verify")
	}
	if string(decoded.Data.Data) != "" {
		// comparing byte contents explicitly below
	}
	for i, b := range orig.Data.Data {
		if decoded.Data.Data[i] != b {
			t.Fatalf("buffer byte %d mismatch: %d vs %d", i, decoded.Data.Data[i], b)
		}
	}
}

func TestVerifyDisabledWhenNoCookie(t *testing.T) {
	f := Frame{ID: "x", From: node.Node{ID: "a"}, Stream: Stream{Stream: "s", Done: true}}
	if !f.Verify("") {
		t.Fatalf("verify with empty cookie should always succeed")
	}
}
