// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"
	"time"

	"code.hybscloud.com/kont"
)

// sendRecvObject sends obj to send and receives one value from recv, in
// two rounds: the encoded lengths, then the encoded bytes. Each round ends
// with a device barrier. Either route may be nil; the result is nil when
// recv is.
func (c *Communicator) sendRecvObject(obj any, send, recv *Route, dev Device, serial Serial) kont.Eff[any] {
	var data []byte
	var ops []Op
	if send != nil {
		b, err := c.codec.Marshal(obj)
		if err != nil {
			return throw[any](err)
		}
		data = b
		size := Int64Buffer([]int{1}, []int64{int64(len(b))}, dev)
		ops = append(ops, Op{Kind: OpSend, Buffer: size, Peer: send.Peer, Group: send.Group})
	}
	var size *Buffer
	if recv != nil {
		size = NewBuffer([]int{1}, Int64, dev)
		ops = append(ops, Op{Kind: OpRecv, Buffer: size, Peer: recv.Peer, Group: recv.Group})
	}

	return kont.Bind(issue(ops, true), func(struct{}) kont.Eff[any] {
		var ops []Op
		if send != nil {
			ops = append(ops, Op{Kind: OpSend, Buffer: bytesBuffer(data, dev), Peer: send.Peer, Group: send.Group})
		}
		var body *Buffer
		if recv != nil {
			n := size.Int64s()[0]
			if n < 0 || n > c.maxObject {
				return throw[any](fmt.Errorf("%w: peer %d announced %d object bytes, limit %d",
					ErrProtocolViolation, recv.Peer, n, c.maxObject))
			}
			body = NewBuffer([]int{int(n)}, Uint8, dev)
			ops = append(ops, Op{Kind: OpRecv, Buffer: body, Peer: recv.Peer, Group: recv.Group})
		}
		c.logger.Trace().Int("rank", c.rank).Uint32("serial", serial).
			Int("send_bytes", len(data)).Bool("recv", recv != nil).
			Msg("p2p: object round")
		return kont.Bind(issue(ops, true), func(struct{}) kont.Eff[any] {
			if body == nil {
				return kont.Pure[any](nil)
			}
			v, err := c.decodeObject(body)
			if err != nil {
				return throw[any](err)
			}
			return kont.Pure(v)
		})
	})
}

// decodeObject turns received object bytes into a value. Device references
// in the bytes are first rewritten to the local accelerator, since the
// sender encoded its own.
func (c *Communicator) decodeObject(body *Buffer) (any, error) {
	data := c.device.MoveTo(body, HostDevice).Data
	local := c.device.Current()
	if local.Type == Accelerator {
		var rewritten, skipped int
		data, rewritten, skipped = rewriteDeviceIndex(data, local.Index)
		if skipped > 0 {
			c.logger.Warn().Int("rank", c.rank).Int("skipped", skipped).Stringer("device", local).
				Msg("p2p: device references of another width left unchanged")
		} else if rewritten > 0 {
			c.logger.Trace().Int("rank", c.rank).Int("rewritten", rewritten).Msg("p2p: device references rewritten")
		}
	}
	v, err := c.codec.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return c.relocate(v), nil
}

// relocate moves a decoded buffer, top-level or carried as opaque
// metadata, onto the local device.
func (c *Communicator) relocate(v any) any {
	local := c.device.Current()
	switch x := v.(type) {
	case *Buffer:
		if x != nil && x.Device != local {
			return c.device.MoveTo(x, local)
		}
	case Metadata:
		if b, ok := x.Value.(*Buffer); ok && x.Kind == MetaOpaque && b != nil && b.Device != local {
			x.Value = c.device.MoveTo(b, local)
			return x
		}
	}
	return v
}

// BroadcastObjects broadcasts objs from src to every member of g. On src
// objs is read; elsewhere each element is replaced by the received value,
// so every member passes a slice of the same length. A nil g uses the
// default group.
func (c *Communicator) BroadcastObjects(objs []any, src int, g Group) (err error) {
	start := time.Now()
	defer func() { c.metrics.observeCall(pathBroadcast, time.Since(start), err) }()
	if g == nil {
		g = c.defaultGroup
	}
	if g == nil {
		return fmt.Errorf("%w: broadcast without a group", ErrConfiguration)
	}
	if c.rank < 0 || !g.Contains(c.rank) || !g.Contains(src) {
		return fmt.Errorf("%w: rank %d cannot broadcast from %d in %s", ErrConfiguration, c.rank, src, g.Name())
	}
	dev := c.groupDevice(g)

	if c.rank == src {
		encoded := make([][]byte, len(objs))
		counts := make([]int64, len(objs))
		total := 0
		for i, o := range objs {
			b, err := c.codec.Marshal(o)
			if err != nil {
				return err
			}
			encoded[i], counts[i] = b, int64(len(b))
			total += len(b)
		}
		sizes := Int64Buffer([]int{len(objs)}, counts, dev)
		body := make([]byte, 0, total)
		for _, b := range encoded {
			body = append(body, b...)
		}
		if err := c.transport.Broadcast(sizes, src, g); err != nil {
			return err
		}
		return c.transport.Broadcast(bytesBuffer(body, dev), src, g)
	}

	sizes := NewBuffer([]int{len(objs)}, Int64, dev)
	if err := c.transport.Broadcast(sizes, src, g); err != nil {
		return err
	}
	counts := sizes.Int64s()
	var total int64
	for _, n := range counts {
		if n < 0 || n > c.maxObject-total {
			return fmt.Errorf("%w: rank %d announced %d more object bytes after %d, limit %d",
				ErrProtocolViolation, src, n, total, c.maxObject)
		}
		total += n
	}
	body := NewBuffer([]int{int(total)}, Uint8, dev)
	if err := c.transport.Broadcast(body, src, g); err != nil {
		return err
	}
	off := 0
	for i, n := range counts {
		part := bytesBuffer(body.Data[off:off+int(n)], dev)
		off += int(n)
		v, err := c.decodeObject(part)
		if err != nil {
			return err
		}
		objs[i] = v
	}
	return nil
}
