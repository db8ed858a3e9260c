// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DeviceType distinguishes host memory from accelerator memory.
type DeviceType uint8

const (
	CPU DeviceType = iota
	Accelerator
)

// deviceMarker prefixes the index of an accelerator device in its text form.
const deviceMarker = "cuda:"

// Device names the memory domain a buffer lives in.
// Its text form is "cpu" or "cuda:<index>".
type Device struct {
	Type  DeviceType
	Index int
}

// HostDevice is the host memory device.
var HostDevice = Device{Type: CPU}

// AcceleratorDevice returns the accelerator device with the given index.
func AcceleratorDevice(index int) Device {
	return Device{Type: Accelerator, Index: index}
}

func (d Device) String() string {
	if d.Type == Accelerator {
		return deviceMarker + strconv.Itoa(d.Index)
	}
	return "cpu"
}

// MarshalText implements encoding.TextMarshaler. The opaque codec embeds
// this form in serialized values, which is what index correction rewrites.
func (d Device) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Device) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "cpu" {
		*d = HostDevice
		return nil
	}
	rest, ok := strings.CutPrefix(s, deviceMarker)
	if !ok {
		return fmt.Errorf("p2p: invalid device %q", s)
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return fmt.Errorf("p2p: invalid device index %q", s)
	}
	*d = AcceleratorDevice(idx)
	return nil
}

// GobEncode implements gob.GobEncoder with the text form, so that encoded
// values carry the device marker that index correction looks for.
func (d Device) GobEncode() ([]byte, error) { return d.MarshalText() }

// GobDecode implements gob.GobDecoder.
func (d *Device) GobDecode(b []byte) error { return d.UnmarshalText(b) }

// DeviceContext is the local device collaborator.
type DeviceContext interface {
	// Current returns the device this participant is bound to.
	Current() Device
	// MoveTo returns b relocated to d.
	MoveTo(b *Buffer, d Device) *Buffer
}

// LocalDevice is a DeviceContext whose buffers all live in host memory and
// are only tagged with the device they logically belong to.
type LocalDevice struct {
	dev Device
}

// NewLocalDevice returns a context bound to accelerator index.
// A negative index binds the context to host memory.
func NewLocalDevice(index int) LocalDevice {
	if index < 0 {
		return LocalDevice{dev: HostDevice}
	}
	return LocalDevice{dev: AcceleratorDevice(index)}
}

// Current implements DeviceContext.
func (l LocalDevice) Current() Device { return l.dev }

// MoveTo implements DeviceContext. Moving to the same device returns b.
func (l LocalDevice) MoveTo(b *Buffer, d Device) *Buffer {
	if b.Device == d {
		return b
	}
	c := b.Clone()
	c.Device = d
	return c
}

// rewriteDeviceIndex returns data with the digits after every device marker
// replaced by index. Only digit runs of the same width as index are rewritten
// so that length-prefixed encodings stay intact; the others are counted in
// skipped. data is never modified in place.
func rewriteDeviceIndex(data []byte, index int) (out []byte, rewritten, skipped int) {
	marker := []byte(deviceMarker)
	if !bytes.Contains(data, marker) {
		return data, 0, 0
	}
	digits := strconv.AppendInt(nil, int64(index), 10)
	out = slices.Clone(data)
	for i := 0; i < len(out); {
		j := bytes.Index(out[i:], marker)
		if j < 0 {
			break
		}
		start := i + j + len(marker)
		end := start
		for end < len(out) && out[end] >= '0' && out[end] <= '9' {
			end++
		}
		switch {
		case end == start:
		case end-start == len(digits):
			copy(out[start:end], digits)
			rewritten++
		default:
			skipped++
		}
		i = end
	}
	return out, rewritten, skipped
}
