// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"code.hybscloud.com/kont"
)

// Reify converts a Cont-world protocol into its Expr-world form for
// stepping.
func Reify[A any](m kont.Eff[A]) kont.Expr[A] {
	return kont.Reify(m)
}

// Step evaluates a protocol until the first effect suspension.
// Returns (Either, nil) on completion or failure, or (zero, suspension)
// if a transport round is pending.
func Step[R any](protocol kont.Expr[R]) (kont.Either[error, R], *kont.Suspension[kont.Either[error, R]]) {
	wrapped := kont.ExprMap(protocol, func(r R) kont.Either[error, R] {
		return kont.Right[error, R](r)
	})
	return kont.StepExpr(wrapped)
}

// Advance dispatches the suspended operation on t.
//
// Transport rounds are non-blocking: while one is pending Advance returns
// the same suspension with iox.ErrWouldBlock and may be retried later.
// A transport failure or a Throw discards the suspension and returns Left
// with a nil error.
func Advance[R any](t Transport, susp *kont.Suspension[kont.Either[error, R]]) (kont.Either[error, R], *kont.Suspension[kont.Either[error, R]], error) {
	return advance(&transportContext{transport: t}, susp)
}

func advance[R any](ctx *transportContext, susp *kont.Suspension[kont.Either[error, R]]) (kont.Either[error, R], *kont.Suspension[kont.Either[error, R]], error) {
	if top, ok := susp.Op().(transportDispatcher); ok {
		v, err := top.DispatchTransport(ctx)
		if err != nil {
			if isWouldBlock(err) {
				var zero kont.Either[error, R]
				return zero, susp, err
			}
			susp.Discard()
			return kont.Left[error, R](err), nil, nil
		}
		result, next := susp.Resume(v)
		return result, next, nil
	}
	if eop, ok := susp.Op().(interface {
		DispatchError(ctx *kont.ErrorContext[error]) (kont.Resumed, bool)
	}); ok {
		var ectx kont.ErrorContext[error]
		v, _ := eop.DispatchError(&ectx)
		if ectx.HasErr {
			susp.Discard()
			return kont.Left[error, R](ectx.Err), nil, nil
		}
		result, next := susp.Resume(v)
		return result, next, nil
	}
	panic("p2p: unhandled effect in Advance")
}
