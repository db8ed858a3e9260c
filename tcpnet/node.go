// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tcpnet is a p2p.Transport over TCP. Each pair of ranks shares
// one connection; the lower rank accepts and the higher rank dials.
// Frames carry the source rank and the group name, and are demultiplexed
// into one lock-free inbox per (source, group).
package tcpnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"code.hybscloud.com/p2p"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// inboxCapacity is the lock-free part of an inbox; frames beyond it
	// wait in the inbox's overflow list so the read loop never stalls.
	inboxCapacity    = 64
	outboxCapacity   = 64
	dialRetry        = 50 * time.Millisecond
	handshakeTimeout = 10 * time.Second
)

// ErrClosed reports an operation on a closed Node.
var ErrClosed = errors.New("tcpnet: node closed")

// Node is one rank's TCP endpoint. It implements p2p.Transport; like every
// transport it is driven from the rank's own goroutine, while reads and
// writes run on per-connection goroutines.
type Node struct {
	world  uuid.UUID
	rank   int
	ranks  []int
	ln     net.Listener
	limits Limits
	log    zerolog.Logger

	mu      sync.Mutex
	conns   map[int]*conn
	inboxes map[inboxKey]*inbox

	backlog map[int][]*sendReq
	posted  map[inboxKey][]*recvReq

	barriers atomix.Uint32
	closed   atomix.Uint32
	wg       sync.WaitGroup
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the node's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithLimits sets the frame limits.
func WithLimits(l Limits) Option {
	return func(n *Node) { n.limits = l }
}

type inboxKey struct {
	src   int
	group string
}

// inbox is fed by the source's read loop and drained by the node's owner.
// Once q is full, frames go to overflow until the owner has drained it,
// which keeps them in arrival order.
type inbox struct {
	q lfq.SPSC[[]byte]

	mu       sync.Mutex
	overflow [][]byte
}

func (ib *inbox) push(data []byte) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if len(ib.overflow) == 0 && ib.q.Enqueue(&data) == nil {
		return
	}
	ib.overflow = append(ib.overflow, data)
}

func (ib *inbox) pop() ([]byte, bool) {
	if data, err := ib.q.Dequeue(); err == nil {
		return data, true
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if len(ib.overflow) == 0 {
		return nil, false
	}
	data := ib.overflow[0]
	ib.overflow[0] = nil
	ib.overflow = ib.overflow[1:]
	return data, true
}

type conn struct {
	peer int
	c    net.Conn
	out  chan *sendReq
	done chan struct{}

	errMu sync.Mutex
	err   error
}

func (c *conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *conn) failure() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

type sendReq struct {
	group  string
	data   []byte
	result chan error
	queued bool
	done   bool
	err    error
}

type recvReq struct {
	buf  *p2p.Buffer
	src  int
	done bool
	err  error
}

// NewNode returns the node of cfg.Rank accepting on ln. The world id of
// cfg must be set; peers with another world id are refused.
func NewNode(cfg p2p.Config, ln net.Listener, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	world := cfg.WorldID()
	if world == uuid.Nil {
		return nil, fmt.Errorf("%w: tcpnet needs a world id", p2p.ErrConfiguration)
	}
	n := &Node{
		world:   world,
		rank:    cfg.Rank,
		ranks:   cfg.Stages(),
		ln:      ln,
		limits:  DefaultLimits(),
		log:     zerolog.Nop(),
		conns:   make(map[int]*conn),
		inboxes: make(map[inboxKey]*inbox),
		backlog: make(map[int][]*sendReq),
		posted:  make(map[inboxKey][]*recvReq),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Listen binds the address cfg lists for cfg.Rank.
func Listen(cfg p2p.Config, opts ...Option) (*Node, error) {
	var addr string
	for _, p := range cfg.Peers {
		if p.Rank == cfg.Rank {
			addr = p.Addr
		}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpnet: listen %s: %w", addr, err)
	}
	n, err := NewNode(cfg, ln, opts...)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return n, nil
}

// DialWorld listens on the local address of cfg and connects to every
// peer.
func DialWorld(ctx context.Context, cfg p2p.Config, opts ...Option) (*Node, error) {
	n, err := Listen(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := n.Connect(ctx, cfg.Peers); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

// Addr returns the listening address.
func (n *Node) Addr() string { return n.ln.Addr().String() }

// Rank returns the node's rank.
func (n *Node) Rank() int { return n.rank }

// Barriers returns how many times Synchronize has been called.
func (n *Node) Barriers() uint32 { return n.barriers.Load() }

// Connect establishes one connection per peer: it accepts from lower
// ranks and dials higher ones. The listener is closed once Connect
// returns.
func (n *Node) Connect(ctx context.Context, peers []p2p.PeerConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = n.ln.Close() })
	defer stop()

	accept := 0
	for _, p := range peers {
		if p.Rank < n.rank {
			accept++
		}
	}
	g.Go(func() error {
		for range accept {
			c, err := n.ln.Accept()
			if err != nil {
				return fmt.Errorf("tcpnet: accept: %w", err)
			}
			peer, err := n.acceptHello(c)
			if err != nil {
				_ = c.Close()
				return err
			}
			if err := n.register(peer, c); err != nil {
				_ = c.Close()
				return err
			}
		}
		return nil
	})
	for _, p := range peers {
		if p.Rank <= n.rank {
			continue
		}
		g.Go(func() error {
			c, err := dial(gctx, p.Addr)
			if err != nil {
				return fmt.Errorf("tcpnet: dial rank %d at %s: %w", p.Rank, p.Addr, err)
			}
			if err := n.dialHello(c, p.Rank); err != nil {
				_ = c.Close()
				return err
			}
			if err := n.register(p.Rank, c); err != nil {
				_ = c.Close()
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	_ = n.ln.Close()
	if err != nil {
		return err
	}
	n.log.Debug().Int("rank", n.rank).Int("peers", len(peers)-1).Msg("tcpnet: connected")
	return nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		case <-time.After(dialRetry):
		}
	}
}

func (n *Node) hello() frame {
	return frame{Header: header{Flags: flagHello, Src: uint32(n.rank)}, Group: n.world.String()}
}

func (n *Node) readHello(c net.Conn) (int, error) {
	f, err := readFrame(c, n.limits)
	if err != nil {
		return 0, fmt.Errorf("tcpnet: read hello: %w", err)
	}
	if f.Header.Flags&flagHello == 0 {
		return 0, fmt.Errorf("tcpnet: expected hello from %s", c.RemoteAddr())
	}
	if f.Group != n.world.String() {
		return 0, fmt.Errorf("tcpnet: %s belongs to world %s, not %s", c.RemoteAddr(), f.Group, n.world)
	}
	return int(f.Header.Src), nil
}

func (n *Node) acceptHello(c net.Conn) (int, error) {
	_ = c.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.SetDeadline(time.Time{})
	peer, err := n.readHello(c)
	if err != nil {
		return 0, err
	}
	if peer >= n.rank || !slices.Contains(n.ranks, peer) {
		return 0, fmt.Errorf("tcpnet: unexpected hello from rank %d", peer)
	}
	if err := writeFrame(c, n.hello(), n.limits); err != nil {
		return 0, fmt.Errorf("tcpnet: write hello: %w", err)
	}
	return peer, nil
}

func (n *Node) dialHello(c net.Conn, peer int) error {
	_ = c.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.SetDeadline(time.Time{})
	if err := writeFrame(c, n.hello(), n.limits); err != nil {
		return fmt.Errorf("tcpnet: write hello: %w", err)
	}
	got, err := n.readHello(c)
	if err != nil {
		return err
	}
	if got != peer {
		return fmt.Errorf("tcpnet: dialed rank %d, reached rank %d", peer, got)
	}
	return nil
}

func (n *Node) register(peer int, c net.Conn) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[peer]; ok {
		return fmt.Errorf("tcpnet: duplicate connection from rank %d", peer)
	}
	cn := &conn{
		peer: peer,
		c:    c,
		out:  make(chan *sendReq, outboxCapacity),
		done: make(chan struct{}),
	}
	n.conns[peer] = cn
	n.wg.Add(2)
	go n.readLoop(cn)
	go n.writeLoop(cn)
	return nil
}

func (n *Node) conn(peer int) *conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[peer]
}

func (n *Node) inbox(k inboxKey) *inbox {
	n.mu.Lock()
	defer n.mu.Unlock()
	ib, ok := n.inboxes[k]
	if !ok {
		ib = &inbox{}
		ib.q.Init(inboxCapacity)
		n.inboxes[k] = ib
	}
	return ib
}

func (n *Node) readLoop(c *conn) {
	defer n.wg.Done()
	for {
		f, err := readFrame(c.c, n.limits)
		if err != nil {
			if n.closed.Load() == 0 {
				n.log.Warn().Err(err).Int("rank", n.rank).Int("peer", c.peer).Msg("tcpnet: read failed")
			}
			c.fail(err)
			return
		}
		if int(f.Header.Src) != c.peer || f.Header.Flags&flagHello != 0 {
			c.fail(fmt.Errorf("tcpnet: unexpected frame from rank %d on connection of rank %d", f.Header.Src, c.peer))
			return
		}
		n.inbox(inboxKey{src: c.peer, group: f.Group}).push(f.Payload)
	}
}

func (n *Node) writeLoop(c *conn) {
	defer n.wg.Done()
	for {
		select {
		case req := <-c.out:
			err := writeFrame(c.c, frame{Header: header{Src: uint32(n.rank)}, Group: req.group, Payload: req.data}, n.limits)
			if err != nil {
				c.fail(err)
			}
			req.result <- err
		case <-c.done:
			return
		}
	}
}

// Close shuts every connection down and waits for the connection
// goroutines.
func (n *Node) Close() error {
	if n.closed.Add(1) != 1 {
		return nil
	}
	_ = n.ln.Close()
	n.mu.Lock()
	conns := make([]*conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	var errs []error
	for _, c := range conns {
		close(c.done)
		if err := c.c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.wg.Wait()
	return errors.Join(errs...)
}

func (n *Node) check(peer int, g p2p.Group) (*conn, error) {
	if n.closed.Load() != 0 {
		return nil, ErrClosed
	}
	if g == nil || !g.Contains(n.rank) || !g.Contains(peer) {
		return nil, fmt.Errorf("tcpnet: ranks %d and %d do not share group %v", n.rank, peer, g)
	}
	c := n.conn(peer)
	if c == nil {
		return nil, fmt.Errorf("tcpnet: rank %d is not connected to rank %d", n.rank, peer)
	}
	return c, nil
}

// ISend implements p2p.Transport.
func (n *Node) ISend(b *p2p.Buffer, dst int, g p2p.Group) (p2p.Future, error) {
	if _, err := n.check(dst, g); err != nil {
		return nil, err
	}
	req := &sendReq{group: g.Name(), data: slices.Clone(b.Data), result: make(chan error, 1)}
	n.backlog[dst] = append(n.backlog[dst], req)
	n.progress()
	return sendFuture{n: n, req: req}, nil
}

// IRecv implements p2p.Transport.
func (n *Node) IRecv(b *p2p.Buffer, src int, g p2p.Group) (p2p.Future, error) {
	if _, err := n.check(src, g); err != nil {
		return nil, err
	}
	k := inboxKey{src: src, group: g.Name()}
	req := &recvReq{buf: b, src: src}
	n.posted[k] = append(n.posted[k], req)
	n.progress()
	return recvFuture{n: n, req: req}, nil
}

// BatchIssue implements p2p.Transport.
func (n *Node) BatchIssue(ops []p2p.Op) ([]p2p.Future, error) {
	fs := make([]p2p.Future, 0, len(ops))
	for _, op := range ops {
		var f p2p.Future
		var err error
		if op.Kind == p2p.OpSend {
			f, err = n.ISend(op.Buffer, op.Peer, op.Group)
		} else {
			f, err = n.IRecv(op.Buffer, op.Peer, op.Group)
		}
		if err != nil {
			return nil, err
		}
		fs = append(fs, f)
	}
	return fs, nil
}

// Broadcast implements p2p.Transport with one send per member.
func (n *Node) Broadcast(b *p2p.Buffer, src int, g p2p.Group) error {
	if n.rank != src {
		f, err := n.IRecv(b, src, g)
		if err != nil {
			return err
		}
		return p2p.Wait(f)
	}
	var fs []p2p.Future
	for _, r := range n.ranks {
		if r == src || !g.Contains(r) {
			continue
		}
		f, err := n.ISend(b, r, g)
		if err != nil {
			return err
		}
		fs = append(fs, f)
	}
	return p2p.WaitAll(fs)
}

// Synchronize implements p2p.Transport. Received bytes are in place when
// a receive completes, so it only counts.
func (n *Node) Synchronize() error {
	n.barriers.Add(1)
	return nil
}

// progress hands backlogged sends to the writers and fills posted
// receives from the inboxes.
func (n *Node) progress() {
	for peer, q := range n.backlog {
		c := n.conn(peer)
	flush:
		for len(q) > 0 {
			select {
			case c.out <- q[0]:
				q[0].queued = true
				q = q[1:]
			default:
				break flush
			}
		}
		if len(q) == 0 {
			delete(n.backlog, peer)
		} else {
			n.backlog[peer] = q
		}
	}
	for k, q := range n.posted {
		ib := n.inbox(k)
		for len(q) > 0 {
			data, ok := ib.pop()
			if !ok {
				break
			}
			q[0].deliver(data, n.rank)
			q = q[1:]
		}
		if len(q) > 0 {
			if err := n.conn(k.src).failure(); err != nil {
				for _, r := range q {
					r.done, r.err = true, fmt.Errorf("tcpnet: connection to rank %d: %w", k.src, err)
				}
				q = nil
			}
		}
		if len(q) == 0 {
			delete(n.posted, k)
		} else {
			n.posted[k] = q
		}
	}
}

func (r *recvReq) deliver(data []byte, rank int) {
	r.done = true
	if len(data) != len(r.buf.Data) {
		r.err = fmt.Errorf("tcpnet: rank %d received %d bytes from rank %d into a %d byte buffer",
			rank, len(data), r.src, len(r.buf.Data))
		return
	}
	copy(r.buf.Data, data)
}

type sendFuture struct {
	n   *Node
	req *sendReq
}

func (f sendFuture) Test() error {
	if f.req.done {
		return f.req.err
	}
	if !f.req.queued {
		f.n.progress()
		if !f.req.queued {
			return iox.ErrWouldBlock
		}
	}
	select {
	case err := <-f.req.result:
		f.req.done, f.req.err = true, err
		return err
	default:
	}
	if f.n.closed.Load() != 0 {
		f.req.done, f.req.err = true, ErrClosed
		return ErrClosed
	}
	return iox.ErrWouldBlock
}

type recvFuture struct {
	n   *Node
	req *recvReq
}

func (f recvFuture) Test() error {
	if !f.req.done {
		f.n.progress()
	}
	if !f.req.done {
		return iox.ErrWouldBlock
	}
	return f.req.err
}
