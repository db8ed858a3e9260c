// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"fmt"
	"slices"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/p2p"
)

// Transport is one rank's endpoint of a World. It implements
// p2p.Transport.
//
// Sends copy their buffer and complete once the message is queued on the
// link; messages that do not fit wait in a per-link backlog, in order.
// Receives complete in posting order per link. Testing any future of the
// rank advances all of them, so futures may be waited on in any order.
type Transport struct {
	w    *World
	rank int

	backlog  map[linkKey][]*sendReq
	posted   map[linkKey][]*recvReq
	barriers atomix.Uint32
}

type sendReq struct {
	msg  message
	done bool
}

type recvReq struct {
	buf  *p2p.Buffer
	src  int
	done bool
	err  error
}

func newTransport(w *World, rank int) *Transport {
	return &Transport{
		w:       w,
		rank:    rank,
		backlog: make(map[linkKey][]*sendReq),
		posted:  make(map[linkKey][]*recvReq),
	}
}

// Rank returns the transport's rank.
func (t *Transport) Rank() int { return t.rank }

// Barriers returns how many times Synchronize has been called.
func (t *Transport) Barriers() uint32 { return t.barriers.Load() }

func (t *Transport) check(peer int, g p2p.Group) error {
	if peer < 0 || peer >= t.w.size {
		return fmt.Errorf("loopback: rank %d out of range [0, %d)", peer, t.w.size)
	}
	if peer == t.rank {
		return fmt.Errorf("loopback: rank %d addressed itself", t.rank)
	}
	if g == nil || !g.Contains(t.rank) || !g.Contains(peer) {
		return fmt.Errorf("loopback: ranks %d and %d do not share group %v", t.rank, peer, g)
	}
	return nil
}

// ISend implements p2p.Transport.
func (t *Transport) ISend(b *p2p.Buffer, dst int, g p2p.Group) (p2p.Future, error) {
	if err := t.check(dst, g); err != nil {
		return nil, err
	}
	k := linkKey{src: t.rank, dst: dst, group: g.Name()}
	req := &sendReq{msg: message{data: slices.Clone(b.Data)}}
	t.backlog[k] = append(t.backlog[k], req)
	t.progress()
	return sendFuture{t: t, req: req}, nil
}

// IRecv implements p2p.Transport.
func (t *Transport) IRecv(b *p2p.Buffer, src int, g p2p.Group) (p2p.Future, error) {
	if err := t.check(src, g); err != nil {
		return nil, err
	}
	k := linkKey{src: src, dst: t.rank, group: g.Name()}
	req := &recvReq{buf: b, src: src}
	t.posted[k] = append(t.posted[k], req)
	t.progress()
	return recvFuture{t: t, req: req}, nil
}

// BatchIssue implements p2p.Transport.
func (t *Transport) BatchIssue(ops []p2p.Op) ([]p2p.Future, error) {
	fs := make([]p2p.Future, 0, len(ops))
	for _, op := range ops {
		var f p2p.Future
		var err error
		if op.Kind == p2p.OpSend {
			f, err = t.ISend(op.Buffer, op.Peer, op.Group)
		} else {
			f, err = t.IRecv(op.Buffer, op.Peer, op.Group)
		}
		if err != nil {
			return nil, err
		}
		fs = append(fs, f)
	}
	return fs, nil
}

// Broadcast implements p2p.Transport with one send per member.
func (t *Transport) Broadcast(b *p2p.Buffer, src int, g p2p.Group) error {
	if t.rank != src {
		f, err := t.IRecv(b, src, g)
		if err != nil {
			return err
		}
		return p2p.Wait(f)
	}
	var fs []p2p.Future
	for r := range t.w.size {
		if r == src || !g.Contains(r) {
			continue
		}
		f, err := t.ISend(b, r, g)
		if err != nil {
			return err
		}
		fs = append(fs, f)
	}
	return p2p.WaitAll(fs)
}

// Synchronize implements p2p.Transport. Completed receives are already
// visible, so it only counts.
func (t *Transport) Synchronize() error {
	t.barriers.Add(1)
	return nil
}

// progress moves backlogged sends onto their links and fills posted
// receives from theirs, stopping per link at the first full or empty
// queue.
func (t *Transport) progress() {
	for k, q := range t.backlog {
		l := t.w.link(k)
		for len(q) > 0 {
			if err := l.q.Enqueue(&q[0].msg); err != nil {
				break
			}
			q[0].done = true
			q = q[1:]
		}
		if len(q) == 0 {
			delete(t.backlog, k)
		} else {
			t.backlog[k] = q
		}
	}
	for k, q := range t.posted {
		l := t.w.link(k)
		for len(q) > 0 {
			m, err := l.q.Dequeue()
			if err != nil {
				break
			}
			q[0].deliver(m, t.rank)
			q = q[1:]
		}
		if len(q) == 0 {
			delete(t.posted, k)
		} else {
			t.posted[k] = q
		}
	}
}

func (r *recvReq) deliver(m message, rank int) {
	r.done = true
	if len(m.data) != len(r.buf.Data) {
		r.err = fmt.Errorf("loopback: rank %d received %d bytes from rank %d into a %d byte buffer",
			rank, len(m.data), r.src, len(r.buf.Data))
		return
	}
	copy(r.buf.Data, m.data)
}

type sendFuture struct {
	t   *Transport
	req *sendReq
}

func (f sendFuture) Test() error {
	if !f.req.done {
		f.t.progress()
	}
	if !f.req.done {
		return iox.ErrWouldBlock
	}
	return nil
}

type recvFuture struct {
	t   *Transport
	req *recvReq
}

func (f recvFuture) Test() error {
	if !f.req.done {
		f.t.progress()
	}
	if !f.req.done {
		return iox.ErrWouldBlock
	}
	return f.req.err
}
