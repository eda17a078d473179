package wire

import (
	"bytes"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// compressionThreshold is the minimum encoded size, in bytes, above
// which a frame is LZ4-compressed before being handed to the transport.
const compressionThreshold = 512

// lz4Magic prefixes compressed frames so decode can tell compressed and
// raw MessagePack apart without a side channel. It is not a valid
// MessagePack lead byte for any of the types this codec emits (those
// all begin with a fixmap/map16/map32 byte), so the check is safe.
var lz4Magic = [4]byte{0x4f, 0x50, 0x5a, 0x31} // "OPZ1"

// Encode serializes a Message to MessagePack and LZ4-compresses the
// result when it exceeds compressionThreshold, prefixing the magic so
// Decode can auto-detect it.
func Encode(msg *Message) ([]byte, error) {
	raw, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	if len(raw) <= compressionThreshold {
		return raw, nil
	}

	compressed, err := compress(raw)
	if err != nil {
		// Compression failing is not fatal to the wire contract; fall
		// back to the uncompressed frame rather than losing the message.
		return raw, nil
	}
	return compressed, nil
}

// Decode parses a frame produced by Encode, transparently decompressing
// it first if it carries the LZ4 magic prefix.
func Decode(frame []byte) (*Message, error) {
	if isCompressed(frame) {
		raw, err := decompress(frame)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
		frame = raw
	}

	var msg Message
	if err := msgpack.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type.String() == "Unknown" {
		return nil, fmt.Errorf("unknown message type %d", msg.Type)
	}
	return &msg, nil
}

func isCompressed(frame []byte) bool {
	return len(frame) >= len(lz4Magic) && bytes.Equal(frame[:len(lz4Magic)], lz4Magic[:])
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(lz4Magic[:])

	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(frame []byte) ([]byte, error) {
	body := bytes.NewReader(frame[len(lz4Magic):])
	r := lz4.NewReader(body)

	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
