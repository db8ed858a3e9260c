// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// DType is the element type of a [Buffer].
type DType uint8

const (
	Float16 DType = iota + 1
	BFloat16
	Float32
	Float64
	Int8
	Uint8
	Int32
	Int64
	Bool
)

var dtypeNames = [...]string{
	Float16:  "float16",
	BFloat16: "bfloat16",
	Float32:  "float32",
	Float64:  "float64",
	Int8:     "int8",
	Uint8:    "uint8",
	Int32:    "int32",
	Int64:    "int64",
	Bool:     "bool",
}

// Size returns the element size in bytes, or 0 for an unknown type.
func (d DType) Size() int {
	switch d {
	case Int8, Uint8, Bool:
		return 1
	case Float16, BFloat16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	}
	return 0
}

// Valid reports whether d names a known element type.
func (d DType) Valid() bool { return d.Size() != 0 }

func (d DType) String() string {
	if int(d) < len(dtypeNames) && dtypeNames[d] != "" {
		return dtypeNames[d]
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// ParseDType parses the textual form returned by [DType.String].
func ParseDType(s string) (DType, error) {
	for i, name := range dtypeNames {
		if name != "" && name == s {
			return DType(i), nil
		}
	}
	return 0, fmt.Errorf("p2p: unknown dtype %q", s)
}

// Buffer is a dense, fixed-shape, fixed-type block of elements resident on
// one device. Data holds the elements in little-endian row-major order.
type Buffer struct {
	Shape        []int
	DType        DType
	RequiresGrad bool
	Device       Device
	Data         []byte
}

// NumElements returns the product of the shape; a rank-0 buffer holds one element.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NewBuffer allocates a zeroed buffer of the given shape and type on dev.
func NewBuffer(shape []int, dt DType, dev Device) *Buffer {
	return &Buffer{
		Shape:  slices.Clone(shape),
		DType:  dt,
		Device: dev,
		Data:   make([]byte, NumElements(shape)*dt.Size()),
	}
}

// NumElements returns the number of elements described by b.Shape.
func (b *Buffer) NumElements() int { return NumElements(b.Shape) }

// ByteLen returns the number of data bytes b.Shape and b.DType require.
func (b *Buffer) ByteLen() int { return b.NumElements() * b.DType.Size() }

// Clone returns a deep copy of b.
func (b *Buffer) Clone() *Buffer {
	c := *b
	c.Shape = slices.Clone(b.Shape)
	c.Data = slices.Clone(b.Data)
	return &c
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%v, %s, %s)", b.Shape, b.DType, b.Device)
}

// Float32Buffer builds a float32 buffer on dev from values laid out in shape.
func Float32Buffer(shape []int, values []float32, dev Device) *Buffer {
	b := NewBuffer(shape, Float32, dev)
	for i, v := range values {
		binary.LittleEndian.PutUint32(b.Data[i*4:], math.Float32bits(v))
	}
	return b
}

// Float32s decodes the data of a float32 buffer.
func (b *Buffer) Float32s() []float32 {
	out := make([]float32, len(b.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.Data[i*4:]))
	}
	return out
}

// Int64Buffer builds an int64 buffer on dev from values laid out in shape.
func Int64Buffer(shape []int, values []int64, dev Device) *Buffer {
	b := NewBuffer(shape, Int64, dev)
	for i, v := range values {
		binary.LittleEndian.PutUint64(b.Data[i*8:], uint64(v))
	}
	return b
}

// Int64s decodes the data of an int64 buffer.
func (b *Buffer) Int64s() []int64 {
	out := make([]int64, len(b.Data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(b.Data[i*8:]))
	}
	return out
}

// bytesBuffer wraps raw bytes as a one-dimensional uint8 buffer without copying.
func bytesBuffer(data []byte, dev Device) *Buffer {
	return &Buffer{Shape: []int{len(data)}, DType: Uint8, Device: dev, Data: data}
}
