// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p_test

import (
	"bytes"
	"slices"
	"sort"
	"testing"
	"testing/quick"

	"code.hybscloud.com/p2p"
	"code.hybscloud.com/p2p/loopback"
)

// TestPropertyBufferRoundTrip proves that any float32 payload sent over a
// direct group arrives with the same shape, type and bytes.
func TestPropertyBufferRoundTrip(t *testing.T) {
	skipRace(t)

	property := func(vals []float32, grad bool) bool {
		w := loopback.NewWorld(2)
		g := w.Group("pp", []int{0, 1}, true)
		a, b := communicators(w)
		x := p2p.Float32Buffer([]int{len(vals)}, vals, p2p.AcceleratorDevice(0))
		x.RequiresGrad = grad

		send, err := a.Protocol(p2p.Call{Payload: p2p.BufferPayload(x), Send: &p2p.Route{Peer: 1, Group: g}, SendMetadata: true})
		if err != nil {
			return false
		}
		recv, err := b.Protocol(p2p.Call{Recv: &p2p.Route{Peer: 0, Group: g}})
		if err != nil {
			return false
		}
		_, rb := p2p.InterleaveEff(w.Transport(0), send, w.Transport(1), recv)
		got, err := p2p.Result(rb)
		return err == nil && got.Kind() == p2p.KindBuffer && sameBuffer(got.Buffer(), x)
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}

// TestPropertyDictOrderSurvivesCodec proves that dict iteration order is
// the insertion order after encoding and decoding.
func TestPropertyDictOrderSurvivesCodec(t *testing.T) {
	property := func(keys []string) bool {
		d := p2p.NewDict()
		var order []string
		for i, k := range keys {
			if _, ok := d.Get(k); ok {
				continue
			}
			d.Set(k, p2p.NewBuffer([]int{i % 3}, p2p.Uint8, p2p.HostDevice))
			order = append(order, k)
		}
		var c p2p.GobCodec
		data, err := c.Marshal(d)
		if err != nil {
			return false
		}
		v, err := c.Unmarshal(data)
		if err != nil {
			return false
		}
		got, ok := v.(*p2p.Dict)
		return ok && slices.Equal(got.Keys(), order)
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}

// TestPropertyRewriteKeepsLength proves that device index correction never
// changes the length of the encoded bytes nor the caller's slice.
func TestPropertyRewriteKeepsLength(t *testing.T) {
	property := func(data []byte, prefix bool, index uint8) bool {
		if prefix {
			data = append([]byte("cuda:7|"), data...)
		}
		orig := slices.Clone(data)
		out, _, _ := p2p.RewriteDeviceIndex(data, int(index))
		return len(out) == len(orig) && bytes.Equal(data, orig)
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}

// TestPropertyRewriteEncodedBuffer proves that correcting the device index
// of an encoded buffer keeps it decodable and moves it to the local index.
func TestPropertyRewriteEncodedBuffer(t *testing.T) {
	property := func(data []byte, from, to uint8) bool {
		src, dst := int(from%10), int(to%10)
		b := p2p.NewBuffer([]int{len(data)}, p2p.Uint8, p2p.AcceleratorDevice(src))
		copy(b.Data, data)
		enc, err := p2p.GobCodec{}.Marshal(b)
		if err != nil {
			return false
		}
		out, rewritten, _ := p2p.RewriteDeviceIndex(enc, dst)
		if rewritten < 1 || len(out) != len(enc) {
			return false
		}
		v, err := p2p.GobCodec{}.Unmarshal(out)
		if err != nil {
			return false
		}
		got, ok := v.(*p2p.Buffer)
		return ok && got.Device == p2p.AcceleratorDevice(dst) && bytes.Equal(got.Data, b.Data)
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}

// TestPropertyClassifiedMapsAreSorted proves that map inputs classify to
// dicts ordered by key.
func TestPropertyClassifiedMapsAreSorted(t *testing.T) {
	property := func(m map[string]uint8) bool {
		in := make(map[string]*p2p.Buffer, len(m))
		for k, n := range m {
			in[k] = p2p.NewBuffer([]int{int(n % 4)}, p2p.Uint8, p2p.HostDevice)
		}
		p := p2p.Classify(in)
		if p.Kind() != p2p.KindDict {
			return false
		}
		return sort.StringsAreSorted(p.Dict().Keys()) && p.Dict().Len() == len(m)
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}
