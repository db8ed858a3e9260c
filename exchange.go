// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"

	"code.hybscloud.com/kont"
)

// exchangeBuffers sends sendBufs to send and, when recvMeta describes
// buffers, receives into freshly allocated buffers from recv, all in one
// round. It returns the receive buffers.
func (c *Communicator) exchangeBuffers(sendBufs []*Buffer, recvMeta *Metadata, send, recv *Route, dev Device) kont.Eff[[]*Buffer] {
	var recvBufs []*Buffer
	if recv != nil && recvMeta != nil && recvMeta.Kind != MetaOpaque {
		bufs, err := recvMeta.AllocateBuffers(dev)
		if err != nil {
			return throw[[]*Buffer](err)
		}
		recvBufs = bufs
	}
	ops := make([]Op, 0, len(sendBufs)+len(recvBufs))
	if send != nil {
		for _, b := range sendBufs {
			ops = append(ops, Op{Kind: OpSend, Buffer: b, Peer: send.Peer, Group: send.Group})
		}
	}
	if recv != nil {
		for _, b := range recvBufs {
			ops = append(ops, Op{Kind: OpRecv, Buffer: b, Peer: recv.Peer, Group: recv.Group})
		}
	}
	return kont.Then(issue(ops, true), kont.Pure(recvBufs))
}

// pairExchange is the two-participant protocol: send's shape and
// prevShape-sized receive in one round, then the data in another. No
// metadata is exchanged and no barrier is taken.
func (c *Communicator) pairExchange(send *Buffer, recvPrev bool, r Route, dt DType) kont.Eff[*Buffer] {
	dev := c.device.Current()
	var ops []Op
	if send != nil {
		shape := make([]int64, len(send.Shape))
		for i, n := range send.Shape {
			shape[i] = int64(n)
		}
		ops = append(ops, Op{Kind: OpSend, Buffer: Int64Buffer([]int{pairRank}, shape, dev), Peer: r.Peer, Group: r.Group})
	}
	var shape *Buffer
	if recvPrev {
		shape = NewBuffer([]int{pairRank}, Int64, dev)
		ops = append(ops, Op{Kind: OpRecv, Buffer: shape, Peer: r.Peer, Group: r.Group})
	}

	return kont.Bind(issue(ops, false), func(struct{}) kont.Eff[*Buffer] {
		var ops []Op
		if send != nil {
			ops = append(ops, Op{Kind: OpSend, Buffer: send, Peer: r.Peer, Group: r.Group})
		}
		var out *Buffer
		if recvPrev {
			dims := make([]int, pairRank)
			for i, n := range shape.Int64s() {
				if n < 0 {
					return throw[*Buffer](fmt.Errorf("%w: peer %d announced shape %v", ErrProtocolViolation, r.Peer, shape.Int64s()))
				}
				dims[i] = int(n)
			}
			out = NewBuffer(dims, dt, dev)
			ops = append(ops, Op{Kind: OpRecv, Buffer: out, Peer: r.Peer, Group: r.Group})
		}
		return kont.Then(issue(ops, false), kont.Pure(out))
	})
}

// pairRank is the rank of buffers exchanged between two stages.
const pairRank = 3
