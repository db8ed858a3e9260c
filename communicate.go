// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/kont"
	"github.com/rs/zerolog"
)

// Communicator moves payloads between this participant and its peers over
// a Transport. A Communicator belongs to one participant goroutine.
type Communicator struct {
	transport    Transport
	device       DeviceContext
	codec        Codec
	defaultGroup Group
	logger       zerolog.Logger
	metrics      *Metrics
	rank         int
	commDType    DType
	maxObject    int64
	serials      atomix.Uint32
}

// Serial identifies one call of a Communicator. Log lines of a call share
// it; each Communicator counts from 1.
type Serial = uint32

func (c *Communicator) nextSerial() Serial {
	return c.serials.Add(1)
}

// NewCommunicator returns a Communicator issuing operations on t.
func NewCommunicator(t Transport, opts ...Option) *Communicator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Communicator{
		transport:    t,
		device:       o.device,
		codec:        o.codec,
		defaultGroup: o.defaultGroup,
		logger:       o.logger,
		metrics:      o.metrics,
		rank:         o.rank,
		commDType:    o.commDType,
		maxObject:    o.maxObject,
	}
}

// Transport returns the underlying transport.
func (c *Communicator) Transport() Transport { return c.transport }

// Device returns the local device context.
func (c *Communicator) Device() DeviceContext { return c.device }

func (c *Communicator) context() *transportContext {
	return &transportContext{transport: c.transport, metrics: c.metrics}
}

// Call describes one communicate call. Send and Recv address the two
// directions; at least one must be set. A route without a group uses the
// default group.
type Call struct {
	Payload Payload
	Send    *Route
	Recv    *Route
	// SendMetadata transmits the payload's metadata before its buffers.
	// It is forced on for payloads that are not buffer-shaped.
	SendMetadata bool
	// RecvHint is the metadata of the expected payload. When set, no
	// metadata is received.
	RecvHint *Metadata
}

// Communicate sends call.Payload to call.Send and receives a payload from
// call.Recv, and returns what was received. A send-only call returns the
// zero Payload.
//
// Precondition failures are reported before any transport operation.
// Transport failures abort the call and are returned unchanged.
func (c *Communicator) Communicate(call Call) (Payload, error) {
	start := time.Now()
	protocol, path, err := c.protocol(call, c.nextSerial())
	if err != nil {
		return Payload{}, err
	}
	p, err := execute(c.context(), protocol)
	c.metrics.observeCall(path, time.Since(start), err)
	return p, err
}

// Protocol validates call and returns it as an unexecuted protocol, for
// use with [Exec], [Step] or [Interleave].
func (c *Communicator) Protocol(call Call) (kont.Eff[Payload], error) {
	protocol, _, err := c.protocol(call, c.nextSerial())
	return protocol, err
}

func (c *Communicator) protocol(call Call, serial Serial) (kont.Eff[Payload], string, error) {
	send, recv, err := c.resolveRoutes(call)
	if err != nil {
		return nil, "", err
	}
	if call.RecvHint != nil {
		if call.RecvHint.Kind == MetaOpaque {
			return nil, "", fmt.Errorf("%w: receive metadata hint must describe buffers", ErrProtocolViolation)
		}
		if err := call.RecvHint.Validate(); err != nil {
			return nil, "", err
		}
	}
	sendMeta := call.SendMetadata || (send != nil && !call.Payload.IsFastPath())

	if send != nil && recv != nil && (sendMeta || call.RecvHint == nil) {
		first, _, err := c.protocol(Call{Payload: call.Payload, Send: send, SendMetadata: sendMeta}, serial)
		if err != nil {
			return nil, "", err
		}
		second, _, err := c.protocol(Call{Recv: recv, RecvHint: call.RecvHint}, serial)
		if err != nil {
			return nil, "", err
		}
		c.logger.Debug().Int("rank", c.rank).Uint32("serial", serial).
			Int("send_peer", send.Peer).Int("recv_peer", recv.Peer).
			Msg("p2p: sequencing send before receive")
		return kont.Bind(first, func(Payload) kont.Eff[Payload] { return second }), pathSplit, nil
	}

	dev, direct, err := c.resolveDevice(send, recv)
	if err != nil {
		return nil, "", err
	}

	var metaSend Metadata
	if send != nil && sendMeta {
		if call.Payload.IsFastPath() && direct {
			if metaSend, err = BuildMetadata(call.Payload); err != nil {
				return nil, "", err
			}
		} else {
			metaSend = OpaqueMetadata(call.Payload.Value())
		}
	}
	var sendBufs []*Buffer
	if send != nil && (!sendMeta || metaSend.Kind != MetaOpaque) {
		sendBufs = call.Payload.Buffers()
	}
	needRecvMeta := recv != nil && call.RecvHint == nil

	path := pathSendRecv
	switch {
	case recv == nil:
		path = pathSend
	case send == nil:
		path = pathRecv
	}
	c.logger.Debug().Int("rank", c.rank).Uint32("serial", serial).Str("path", path).
		Stringer("device", dev).Bool("direct", direct).
		Bool("send_metadata", send != nil && sendMeta).Bool("recv_metadata", needRecvMeta).
		Int("send_buffers", len(sendBufs)).
		Msg("p2p: communicate")

	var metaPhase kont.Eff[*Metadata]
	if (send != nil && sendMeta) || needRecvMeta {
		var obj any
		var metaTo, metaFrom *Route
		if send != nil && sendMeta {
			obj, metaTo = metaSend, send
		}
		if needRecvMeta {
			metaFrom = recv
		}
		metaPhase = kont.Bind(c.sendRecvObject(obj, metaTo, metaFrom, dev, serial), func(v any) kont.Eff[*Metadata] {
			if !needRecvMeta {
				return kont.Pure(call.RecvHint)
			}
			m, ok := v.(Metadata)
			if !ok {
				return throw[*Metadata](fmt.Errorf("%w: received %T where metadata was expected", ErrProtocolViolation, v))
			}
			if err := m.Validate(); err != nil {
				return throw[*Metadata](err)
			}
			return kont.Pure(&m)
		})
	} else {
		metaPhase = kont.Pure(call.RecvHint)
	}

	return kont.Bind(metaPhase, func(recvMeta *Metadata) kont.Eff[Payload] {
		return kont.Bind(c.exchangeBuffers(sendBufs, recvMeta, send, recv, dev), func(bufs []*Buffer) kont.Eff[Payload] {
			if recv == nil || recvMeta == nil {
				return kont.Pure(Payload{})
			}
			p, err := recvMeta.Reconstruct(bufs)
			if err != nil {
				return throw[Payload](err)
			}
			return kont.Pure(p)
		})
	}), path, nil
}

// resolveRoutes applies the default group and checks that at least one
// direction is addressed.
func (c *Communicator) resolveRoutes(call Call) (send, recv *Route, err error) {
	if call.Send == nil && call.Recv == nil {
		return nil, nil, fmt.Errorf("%w: neither a send nor a receive peer", ErrConfiguration)
	}
	fill := func(r *Route) (*Route, error) {
		if r == nil {
			return nil, nil
		}
		out := *r
		if out.Group == nil {
			out.Group = c.defaultGroup
		}
		if out.Group == nil {
			return nil, fmt.Errorf("%w: peer %d has no group and there is no default group", ErrConfiguration, r.Peer)
		}
		return &out, nil
	}
	if send, err = fill(call.Send); err != nil {
		return nil, nil, err
	}
	if recv, err = fill(call.Recv); err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}

// resolveDevice returns the device domain of a call. A missing direction
// is represented by the default group when there is one. direct holds only
// when every involved group is direct.
func (c *Communicator) resolveDevice(send, recv *Route) (dev Device, direct bool, err error) {
	groups := make([]Group, 0, 2)
	for _, r := range []*Route{send, recv} {
		switch {
		case r != nil:
			groups = append(groups, r.Group)
		case c.defaultGroup != nil:
			groups = append(groups, c.defaultGroup)
		}
	}
	direct = true
	for i, g := range groups {
		d := c.groupDevice(g)
		if i > 0 && d != dev {
			return Device{}, false, fmt.Errorf("%w: group %s uses %s, group %s uses %s",
				ErrDeviceMismatch, groups[0].Name(), dev, g.Name(), d)
		}
		dev = d
		direct = direct && g.DirectDevice()
	}
	return dev, direct, nil
}

// groupDevice is the device buffers exchanged within g reside on.
func (c *Communicator) groupDevice(g Group) Device {
	if g.DirectDevice() {
		return c.device.Current()
	}
	return HostDevice
}
