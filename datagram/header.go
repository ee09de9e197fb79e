package datagram

import (
	"errors"
	"fmt"
)

const (
	Broadcast byte = 0xFF

	FlagAck   byte = 0x80
	FlagRetry byte = 0x40

	HeaderLen = 4
)

var ErrShortFrame = errors.New("datagram: frame shorter than header")

// Header is the RadioHead style four byte header: to, from, id, flags.
type Header struct {
	To    byte
	From  byte
	ID    byte
	Flags byte
}

func (h Header) IsAck() bool   { return h.Flags&FlagAck != 0 }
func (h Header) IsRetry() bool { return h.Flags&FlagRetry != 0 }

func (h Header) String() string {
	return fmt.Sprintf("to=%02x from=%02x id=%02x flags=%02x", h.To, h.From, h.ID, h.Flags)
}

// Marshal returns the header followed by payload in a new slice.
func (h Header) Marshal(payload []byte) []byte {
	b := make([]byte, HeaderLen+len(payload))
	b[0] = h.To
	b[1] = h.From
	b[2] = h.ID
	b[3] = h.Flags
	copy(b[HeaderLen:], payload)
	return b
}

// Parse splits a frame into its header and payload. The payload aliases b.
func Parse(b []byte) (Header, []byte, error) {
	if len(b) < HeaderLen {
		return Header{}, nil, ErrShortFrame
	}
	return Header{To: b[0], From: b[1], ID: b[2], Flags: b[3]}, b[HeaderLen:], nil
}
