// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameMagic   uint32 = 0x50325031 // "P2P1"
	frameVersion uint16 = 1

	headerLen = 24

	flagHello uint16 = 0x01
)

var (
	ErrShortHeader     = errors.New("tcpnet: short frame header")
	ErrBadMagic        = errors.New("tcpnet: bad frame magic")
	ErrBadVersion      = errors.New("tcpnet: unsupported frame version")
	ErrPayloadTooLarge = errors.New("tcpnet: payload too large")
	ErrGroupTooLong    = errors.New("tcpnet: group name too long")
)

// header is the fixed wire header.
//
//	magic u32 | version u16 | flags u16 | src u32 | group_len u16 | reserved u16 | payload_len u64
//
// It is followed by group_len bytes of group name and payload_len bytes
// of payload.
type header struct {
	Magic      uint32
	Version    uint16
	Flags      uint16
	Src        uint32
	GroupLen   uint16
	PayloadLen uint64
}

type frame struct {
	Header  header
	Group   string
	Payload []byte
}

// Limits constrains frame decode and encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

// DefaultLimits allows payloads of up to 1 GiB.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1 << 30}
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.Src)
	binary.BigEndian.PutUint16(buf[12:14], h.GroupLen)
	binary.BigEndian.PutUint64(buf[16:24], h.PayloadLen)
	return buf
}

func decodeHeader(b []byte) (header, error) {
	if len(b) != headerLen {
		return header{}, fmt.Errorf("tcpnet: invalid header length: %d", len(b))
	}
	h := header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Flags:      binary.BigEndian.Uint16(b[6:8]),
		Src:        binary.BigEndian.Uint32(b[8:12]),
		GroupLen:   binary.BigEndian.Uint16(b[12:14]),
		PayloadLen: binary.BigEndian.Uint64(b[16:24]),
	}
	if h.Magic != frameMagic {
		return header{}, ErrBadMagic
	}
	if h.Version != frameVersion {
		return header{}, ErrBadVersion
	}
	return h, nil
}

func readFrame(r io.Reader, limits Limits) (frame, error) {
	var fixed [headerLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return frame{}, ErrShortHeader
		}
		return frame{}, err
	}
	h, err := decodeHeader(fixed[:])
	if err != nil {
		return frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return frame{}, ErrPayloadTooLarge
	}
	group := make([]byte, h.GroupLen)
	if _, err := io.ReadFull(r, group); err != nil {
		return frame{}, err
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, err
		}
	}
	return frame{Header: h, Group: string(group), Payload: payload}, nil
}

func writeFrame(w io.Writer, f frame, limits Limits) error {
	if uint64(len(f.Payload)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if len(f.Group) > 0xFFFF {
		return ErrGroupTooLong
	}
	h := f.Header
	h.Magic = frameMagic
	h.Version = frameVersion
	h.GroupLen = uint16(len(f.Group))
	h.PayloadLen = uint64(len(f.Payload))

	buf := make([]byte, 0, headerLen+len(f.Group)+len(f.Payload))
	buf = append(buf, encodeHeader(h)...)
	buf = append(buf, f.Group...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}
