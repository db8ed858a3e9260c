// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"iter"
	"slices"
	"sort"
)

// Kind is the tag of a [Payload].
type Kind uint8

const (
	KindNone Kind = iota
	KindBuffer
	KindList
	KindDict
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBuffer:
		return "buffer"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	case KindOpaque:
		return "opaque"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Dict is a string-keyed mapping of buffers that iterates in insertion order.
type Dict struct {
	keys []string
	vals map[string]*Buffer
}

// NewDict returns an empty Dict.
func NewDict() *Dict {
	return &Dict{vals: make(map[string]*Buffer)}
}

// Set stores b under key. A new key is appended to the iteration order;
// an existing key keeps its position.
func (d *Dict) Set(key string, b *Buffer) {
	if d.vals == nil {
		d.vals = make(map[string]*Buffer)
	}
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = b
}

// Get returns the buffer stored under key.
func (d *Dict) Get(key string) (*Buffer, bool) {
	b, ok := d.vals[key]
	return b, ok
}

// Len returns the number of entries.
func (d *Dict) Len() int { return len(d.keys) }

// Keys returns the keys in iteration order.
func (d *Dict) Keys() []string { return slices.Clone(d.keys) }

// All iterates the entries in insertion order.
func (d *Dict) All() iter.Seq2[string, *Buffer] {
	return func(yield func(string, *Buffer) bool) {
		for _, k := range d.keys {
			if !yield(k, d.vals[k]) {
				return
			}
		}
	}
}

// Values returns the buffers in iteration order.
func (d *Dict) Values() []*Buffer {
	out := make([]*Buffer, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, d.vals[k])
	}
	return out
}

type dictWire struct {
	Keys   []string
	Values []*Buffer
}

// GobEncode implements gob.GobEncoder, keeping the iteration order.
func (d *Dict) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dictWire{Keys: d.keys, Values: d.Values()}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (d *Dict) GobDecode(data []byte) error {
	var w dictWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	if len(w.Keys) != len(w.Values) {
		return fmt.Errorf("p2p: dict with %d keys and %d values", len(w.Keys), len(w.Values))
	}
	*d = Dict{vals: make(map[string]*Buffer, len(w.Keys))}
	for i, k := range w.Keys {
		d.Set(k, w.Values[i])
	}
	return nil
}

// Payload is the value exchanged between two participants. It is a tagged
// variant fixed at construction: a single buffer, an ordered list of
// buffers, a [Dict], an opaque serializable value, or nothing.
type Payload struct {
	kind  Kind
	buf   *Buffer
	list  []*Buffer
	dict  *Dict
	value any
}

// BufferPayload wraps a single buffer.
func BufferPayload(b *Buffer) Payload { return Payload{kind: KindBuffer, buf: b} }

// ListPayload wraps an ordered list of buffers.
func ListPayload(bufs ...*Buffer) Payload {
	if bufs == nil {
		bufs = []*Buffer{}
	}
	return Payload{kind: KindList, list: bufs}
}

// DictPayload wraps a dict of buffers.
func DictPayload(d *Dict) Payload { return Payload{kind: KindDict, dict: d} }

// OpaquePayload wraps an arbitrary value that travels through the codec.
func OpaquePayload(v any) Payload { return Payload{kind: KindOpaque, value: v} }

// Classify builds the Payload for an application value. Buffers, slices of
// buffers and string-keyed maps of buffers take the fast path; anything
// else is opaque. Go maps have no iteration order, so map inputs are
// ordered by key.
func Classify(v any) Payload {
	switch x := v.(type) {
	case nil:
		return Payload{}
	case Payload:
		return x
	case *Buffer:
		if x == nil {
			return Payload{}
		}
		return BufferPayload(x)
	case []*Buffer:
		if slices.Contains(x, nil) {
			return OpaquePayload(x)
		}
		return ListPayload(x...)
	case *Dict:
		if x == nil {
			return Payload{}
		}
		return DictPayload(x)
	case []any:
		bufs := make([]*Buffer, 0, len(x))
		for _, e := range x {
			b, ok := e.(*Buffer)
			if !ok || b == nil {
				return OpaquePayload(x)
			}
			bufs = append(bufs, b)
		}
		return ListPayload(bufs...)
	case map[string]*Buffer:
		d := NewDict()
		for _, k := range sortedKeys(x) {
			if x[k] == nil {
				return OpaquePayload(x)
			}
			d.Set(k, x[k])
		}
		return DictPayload(d)
	case map[string]any:
		d := NewDict()
		for _, k := range sortedKeys(x) {
			b, ok := x[k].(*Buffer)
			if !ok || b == nil {
				return OpaquePayload(x)
			}
			d.Set(k, b)
		}
		return DictPayload(d)
	}
	return OpaquePayload(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Kind returns the payload tag.
func (p Payload) Kind() Kind { return p.kind }

// IsFastPath reports whether p can be sent as raw buffers: a single buffer,
// a list whose every element is a buffer, or a dict of buffers.
func (p Payload) IsFastPath() bool {
	switch p.kind {
	case KindBuffer:
		return p.buf != nil
	case KindList:
		return !slices.Contains(p.list, nil)
	case KindDict:
		if p.dict == nil {
			return false
		}
		return !slices.Contains(p.dict.Values(), nil)
	}
	return false
}

// IsFastPath is the package-level form of [Payload.IsFastPath].
func IsFastPath(p Payload) bool { return p.IsFastPath() }

// Buffer returns the single buffer of a KindBuffer payload.
func (p Payload) Buffer() *Buffer { return p.buf }

// List returns the buffers of a KindList payload.
func (p Payload) List() []*Buffer { return p.list }

// Dict returns the dict of a KindDict payload.
func (p Payload) Dict() *Dict { return p.dict }

// Value returns the payload as a plain Go value: *Buffer, []*Buffer,
// *Dict, the opaque value, or nil.
func (p Payload) Value() any {
	switch p.kind {
	case KindBuffer:
		return p.buf
	case KindList:
		return p.list
	case KindDict:
		return p.dict
	case KindOpaque:
		return p.value
	}
	return nil
}

// Buffers flattens a fast-path payload into its ordered buffer sequence:
// the buffer itself, the list in order, or the dict values in insertion
// order. Other kinds flatten to nil.
func (p Payload) Buffers() []*Buffer {
	switch p.kind {
	case KindBuffer:
		if p.buf == nil {
			return nil
		}
		return []*Buffer{p.buf}
	case KindList:
		return p.list
	case KindDict:
		if p.dict == nil {
			return nil
		}
		return p.dict.Values()
	}
	return nil
}

func (p Payload) String() string {
	switch p.kind {
	case KindBuffer:
		return fmt.Sprintf("Payload(%v)", p.buf)
	case KindList:
		return fmt.Sprintf("Payload(list of %d)", len(p.list))
	case KindDict:
		if p.dict == nil {
			return "Payload(dict nil)"
		}
		return fmt.Sprintf("Payload(dict %v)", p.dict.Keys())
	case KindOpaque:
		return fmt.Sprintf("Payload(opaque %T)", p.value)
	}
	return "Payload(none)"
}
