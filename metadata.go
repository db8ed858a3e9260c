// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"
	"slices"
)

// MetadataKind is the tag of [Metadata].
type MetadataKind uint8

const (
	MetaOpaque MetadataKind = iota
	MetaBuffer
	MetaList
	MetaDict
)

func (k MetadataKind) String() string {
	switch k {
	case MetaOpaque:
		return "opaque"
	case MetaBuffer:
		return "buffer"
	case MetaList:
		return "list"
	case MetaDict:
		return "dict"
	}
	return fmt.Sprintf("metadata(%d)", uint8(k))
}

// BufferDescriptor describes one buffer without its data.
// Key is only meaningful inside MetaDict metadata.
type BufferDescriptor struct {
	Key          string
	Shape        []int
	DType        DType
	RequiresGrad bool
}

// Describe returns the descriptor of b.
func Describe(b *Buffer) BufferDescriptor {
	return BufferDescriptor{Shape: slices.Clone(b.Shape), DType: b.DType, RequiresGrad: b.RequiresGrad}
}

// Metadata tells a receiver what it is about to receive. For MetaOpaque,
// Value carries the whole payload; otherwise Descriptors lists one entry
// per buffer in transmission order (exactly one for MetaBuffer).
type Metadata struct {
	Kind        MetadataKind
	Descriptors []BufferDescriptor
	Value       any
}

// OpaqueMetadata wraps v as opaque metadata.
func OpaqueMetadata(v any) Metadata { return Metadata{Kind: MetaOpaque, Value: v} }

// BufferMetadata returns the metadata of a single buffer.
func BufferMetadata(d BufferDescriptor) Metadata {
	return Metadata{Kind: MetaBuffer, Descriptors: []BufferDescriptor{d}}
}

// BuildMetadata describes a fast-path payload.
func BuildMetadata(p Payload) (Metadata, error) {
	if !p.IsFastPath() {
		return Metadata{}, fmt.Errorf("%w: cannot describe %s payload", ErrUnsupportedPayload, p.Kind())
	}
	switch p.Kind() {
	case KindBuffer:
		return BufferMetadata(Describe(p.Buffer())), nil
	case KindList:
		descs := make([]BufferDescriptor, 0, len(p.List()))
		for _, b := range p.List() {
			descs = append(descs, Describe(b))
		}
		return Metadata{Kind: MetaList, Descriptors: descs}, nil
	default:
		descs := make([]BufferDescriptor, 0, p.Dict().Len())
		for k, b := range p.Dict().All() {
			d := Describe(b)
			d.Key = k
			descs = append(descs, d)
		}
		return Metadata{Kind: MetaDict, Descriptors: descs}, nil
	}
}

// Validate checks the structural invariants of m.
func (m Metadata) Validate() error {
	switch m.Kind {
	case MetaOpaque:
		return nil
	case MetaBuffer:
		if len(m.Descriptors) != 1 {
			return fmt.Errorf("%w: buffer metadata with %d descriptors", ErrUnsupportedMetadata, len(m.Descriptors))
		}
	case MetaList, MetaDict:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMetadata, m.Kind)
	}
	for i, d := range m.Descriptors {
		if !d.DType.Valid() {
			return fmt.Errorf("%w: descriptor %d has %s", ErrUnsupportedMetadata, i, d.DType)
		}
		for _, n := range d.Shape {
			if n < 0 {
				return fmt.Errorf("%w: descriptor %d has negative dimension", ErrUnsupportedMetadata, i)
			}
		}
	}
	return nil
}

// AllocateBuffers allocates one zeroed receive buffer on dev per descriptor,
// in descriptor order.
func (m Metadata) AllocateBuffers(dev Device) ([]*Buffer, error) {
	if m.Kind == MetaOpaque {
		return nil, fmt.Errorf("%w: cannot allocate buffers for opaque metadata", ErrUnsupportedMetadata)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	bufs := make([]*Buffer, 0, len(m.Descriptors))
	for _, d := range m.Descriptors {
		b := NewBuffer(d.Shape, d.DType, dev)
		b.RequiresGrad = d.RequiresGrad
		bufs = append(bufs, b)
	}
	return bufs, nil
}

// Reconstruct rebuilds the payload m describes from the received buffers.
// Dict keys are taken from the descriptors, in descriptor order.
func (m Metadata) Reconstruct(bufs []*Buffer) (Payload, error) {
	if m.Kind == MetaOpaque {
		return Classify(m.Value), nil
	}
	if len(bufs) != len(m.Descriptors) {
		return Payload{}, fmt.Errorf("%w: %d buffers for %d descriptors", ErrUnsupportedMetadata, len(bufs), len(m.Descriptors))
	}
	switch m.Kind {
	case MetaBuffer:
		return BufferPayload(bufs[0]), nil
	case MetaList:
		return ListPayload(bufs...), nil
	case MetaDict:
		d := NewDict()
		for i, desc := range m.Descriptors {
			d.Set(desc.Key, bufs[i])
		}
		return DictPayload(d), nil
	}
	return Payload{}, fmt.Errorf("%w: %s", ErrUnsupportedMetadata, m.Kind)
}
