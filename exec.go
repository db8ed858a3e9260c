// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"errors"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

// transportHandler handles both transport and error effects.
// Transport ops wait on ErrWouldBlock via iox.Backoff; a transport failure
// or a Throw short-circuits the protocol with Left.
type transportHandler[A any] struct {
	ctx    *transportContext
	errCtx *kont.ErrorContext[error]
}

// Dispatch implements kont.Handler. Dispatch order: Transport → Error.
func (h transportHandler[A]) Dispatch(op kont.Operation) (kont.Resumed, bool) {
	if top, ok := op.(transportDispatcher); ok {
		v, err := dispatchWait(h.ctx, top)
		if err != nil {
			return kont.Left[error, A](err), false
		}
		return v, true
	}
	if eop, ok := op.(interface {
		DispatchError(ctx *kont.ErrorContext[error]) (kont.Resumed, bool)
	}); ok {
		v, _ := eop.DispatchError(h.errCtx)
		if h.errCtx.HasErr {
			return kont.Left[error, A](h.errCtx.Err), false
		}
		return v, true
	}
	panic("p2p: unhandled effect in transportHandler")
}

// dispatchWait dispatches op until it completes or fails, backing off
// while the transport reports iox.ErrWouldBlock.
func dispatchWait(ctx *transportContext, op transportDispatcher) (kont.Resumed, error) {
	var bo iox.Backoff
	for {
		v, err := op.DispatchTransport(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, iox.ErrWouldBlock) {
			return nil, err
		}
		bo.Wait()
	}
}

// Exec runs a protocol on t until it completes or fails.
// It blocks the calling goroutine with adaptive backoff and spawns nothing.
func Exec[R any](t Transport, protocol kont.Eff[R]) (R, error) {
	return execute(&transportContext{transport: t}, protocol)
}

func execute[R any](ctx *transportContext, protocol kont.Eff[R]) (R, error) {
	wrapped := kont.Map[kont.Resumed, R, kont.Either[error, R]](protocol, func(r R) kont.Either[error, R] {
		return kont.Right[error, R](r)
	})
	var errCtx kont.ErrorContext[error]
	h := transportHandler[R]{ctx: ctx, errCtx: &errCtx}
	return Result(kont.Handle(wrapped, h))
}

// Result converts an Either produced by [Step], [Advance] or [Interleave]
// into Go's (value, error) form.
func Result[R any](e kont.Either[error, R]) (R, error) {
	if v, ok := e.GetRight(); ok {
		return v, nil
	}
	err, _ := e.GetLeft()
	var zero R
	return zero, err
}
