// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"
	"time"
)

// Pipeline is the endpoint a pipeline stage uses to talk to its
// neighbours. Forward traffic flows to the next stage and backward traffic
// to the previous one. Calls block until the exchange completes and must
// be paired with the matching call on the neighbour.
type Pipeline struct {
	topo Topology
	comm *Communicator
}

// NewPipeline returns the endpoint of topo.Rank() issuing on t.
func NewPipeline(topo Topology, t Transport, opts ...Option) *Pipeline {
	opts = append([]Option{WithRank(topo.Rank())}, opts...)
	return &Pipeline{topo: topo, comm: NewCommunicator(t, opts...)}
}

// Communicator returns the communicator the pipeline issues calls on.
func (p *Pipeline) Communicator() *Communicator { return p.comm }

// Topology returns the pipeline's topology.
func (p *Pipeline) Topology() Topology { return p.topo }

func (p *Pipeline) callOptions(opts []CallOption) callOptions {
	o := callOptions{sendMetadata: true, dtype: p.comm.commDType}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (p *Pipeline) route(peer int) (*Route, error) {
	g, err := p.topo.Group(p.topo.Rank(), peer)
	if err != nil {
		return nil, err
	}
	return &Route{Peer: peer, Group: g}, nil
}

// RecvForward receives the activations of the previous stage.
func (p *Pipeline) RecvForward(opts ...CallOption) (Payload, error) {
	o := p.callOptions(opts)
	r, err := p.route(o.peerOr(p.topo.PrevRank()))
	if err != nil {
		return Payload{}, err
	}
	return p.comm.Communicate(Call{Recv: r, RecvHint: o.hint})
}

// RecvBackward receives the gradients of the next stage.
func (p *Pipeline) RecvBackward(opts ...CallOption) (Payload, error) {
	o := p.callOptions(opts)
	r, err := p.route(o.peerOr(p.topo.NextRank()))
	if err != nil {
		return Payload{}, err
	}
	return p.comm.Communicate(Call{Recv: r, RecvHint: o.hint})
}

// SendForward sends v to the next stage. v is classified with [Classify].
func (p *Pipeline) SendForward(v any, opts ...CallOption) error {
	o := p.callOptions(opts)
	r, err := p.route(o.peerOr(p.topo.NextRank()))
	if err != nil {
		return err
	}
	_, err = p.comm.Communicate(Call{Payload: Classify(v), Send: r, SendMetadata: o.sendMetadata})
	return err
}

// SendBackward sends v to the previous stage.
func (p *Pipeline) SendBackward(v any, opts ...CallOption) error {
	o := p.callOptions(opts)
	r, err := p.route(o.peerOr(p.topo.PrevRank()))
	if err != nil {
		return err
	}
	_, err = p.comm.Communicate(Call{Payload: Classify(v), Send: r, SendMetadata: o.sendMetadata})
	return err
}

// SendForwardRecvBackward sends v to the next stage and receives its
// gradients in the same call.
func (p *Pipeline) SendForwardRecvBackward(v any, opts ...CallOption) (Payload, error) {
	o := p.callOptions(opts)
	r, err := p.route(o.peerOr(p.topo.NextRank()))
	if err != nil {
		return Payload{}, err
	}
	return p.comm.Communicate(Call{
		Payload:      Classify(v),
		Send:         r,
		Recv:         r,
		SendMetadata: o.sendMetadata,
		RecvHint:     o.hint,
	})
}

// SendBackwardRecvForward sends v to the previous stage and receives its
// activations in the same call.
func (p *Pipeline) SendBackwardRecvForward(v any, opts ...CallOption) (Payload, error) {
	o := p.callOptions(opts)
	r, err := p.route(o.peerOr(p.topo.PrevRank()))
	if err != nil {
		return Payload{}, err
	}
	return p.comm.Communicate(Call{
		Payload:      Classify(v),
		Send:         r,
		Recv:         r,
		SendMetadata: o.sendMetadata,
		RecvHint:     o.hint,
	})
}

// Exchange is the two-stage fast path: it sends send (if any) to the other
// stage and, when recvPrev is set, receives a buffer of the shape the other
// stage sends, typed with the pipeline's comm dtype. Sent buffers must
// have rank 3 and that dtype. Both stages may call Exchange at once.
func (p *Pipeline) Exchange(send *Buffer, recvPrev bool, opts ...CallOption) (*Buffer, error) {
	o := p.callOptions(opts)
	if n := p.topo.NumStages(); n != 2 {
		return nil, fmt.Errorf("%w: pair exchange needs 2 stages, have %d", ErrConfiguration, n)
	}
	if send != nil {
		if len(send.Shape) != pairRank {
			return nil, fmt.Errorf("%w: pair exchange sends rank %d buffers, got shape %v", ErrUnsupportedPayload, pairRank, send.Shape)
		}
		if send.DType != o.dtype {
			return nil, fmt.Errorf("%w: pair exchange sends %s, got %s", ErrUnsupportedPayload, o.dtype, send.DType)
		}
	}
	if send == nil && !recvPrev {
		return nil, nil
	}
	r, err := p.route(o.peerOr(p.topo.NextRank()))
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := execute(p.comm.context(), p.comm.pairExchange(send, recvPrev, *r, o.dtype))
	p.comm.metrics.observeCall(pathExchange, time.Since(start), err)
	return out, err
}
