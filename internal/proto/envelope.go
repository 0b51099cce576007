// internal/proto/envelope.go
package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// A frame is a 4-byte big-endian length followed by one JSON message.
const (
	MaxFrameSize     = 4 << 20
	SoftMaxFrameSize = 64 << 10
	TypeSniffBytes   = 512
	frameHeaderSize  = 4
)

var ErrFrameSize = errors.New("invalid frame size")

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameSize, "payload of %d bytes", len(payload))
	}
	out := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameWithTypeCap(r, 0, nil)
}

// ReadFrameWithTypeCap reads one frame. Frames above softMax must name their
// message type in the first TypeSniffBytes, and are refused when larger than
// typeCap allows for that type.
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n == 0 || n > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameSize, "frame of %d bytes", n)
	}
	payload := make([]byte, n)
	if softMax <= 0 || n <= softMax {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	sniff := min(n, TypeSniffBytes)
	if _, err := io.ReadFull(r, payload[:sniff]); err != nil {
		return nil, err
	}
	msgType, ok := PeekType(payload[:sniff])
	if !ok {
		return nil, errors.Wrapf(ErrFrameSize, "untyped frame of %d bytes", n)
	}
	if typeCap != nil {
		if limit := typeCap(msgType); limit > 0 && n > limit {
			return nil, errors.Wrapf(ErrFrameSize, "%s frame of %d bytes exceeds %d", msgType, n, limit)
		}
	}
	if _, err := io.ReadFull(r, payload[sniff:]); err != nil {
		return nil, err
	}
	return payload, nil
}

// PeekType returns the top-level "type" member of a JSON object. It reads
// only the first TypeSniffBytes, so the message may be truncated as long as
// "type" comes before any large member.
func PeekType(data []byte) (string, bool) {
	if len(data) > TypeSniffBytes {
		data = data[:TypeSniffBytes]
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", false
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return "", false
		}
		if key != "type" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return "", false
			}
			continue
		}
		val, err := dec.Token()
		if err != nil {
			return "", false
		}
		s, ok := val.(string)
		return s, ok && s != ""
	}
	return "", false
}
