// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Codec converts opaque values to and from bytes. Implementations must
// round-trip nested values, including *Buffer references.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// GobCodec is the default Codec. Concrete types carried inside opaque
// values must be registered with [RegisterOpaque].
type GobCodec struct{}

type gobEnvelope struct {
	Value any
}

func init() {
	RegisterOpaque(Metadata{})
	RegisterOpaque(&Buffer{})
	RegisterOpaque([]*Buffer{})
	RegisterOpaque(&Dict{})
	RegisterOpaque([]any{})
	RegisterOpaque(map[string]any{})
	RegisterOpaque(map[string]*Buffer{})
}

// RegisterOpaque records the concrete type of v so that it can travel
// inside opaque payloads. It wraps gob.Register.
func RegisterOpaque(v any) { gob.Register(v) }

// Marshal implements Codec.
func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&gobEnvelope{Value: v}); err != nil {
		return nil, fmt.Errorf("p2p: encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Codec.
func (GobCodec) Unmarshal(data []byte) (any, error) {
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("p2p: decode: %w", err)
	}
	return env.Value, nil
}
