// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"errors"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

func isWouldBlock(err error) bool { return errors.Is(err, iox.ErrWouldBlock) }

// Interleave runs two participants' protocols on the calling goroutine,
// a on ta and b on tb, and returns both results. Execution alternates
// between the two sides, backing off with iox.Backoff when neither can
// make progress. Interleave spawns nothing and suits transports whose
// endpoints live in one process.
//
// If one side fails while the other still waits for it, the waiting side
// never completes; callers pair protocols that agree on their rounds.
func Interleave[A, B any](ta Transport, a kont.Expr[A], tb Transport, b kont.Expr[B]) (kont.Either[error, A], kont.Either[error, B]) {
	ctxA := &transportContext{transport: ta}
	ctxB := &transportContext{transport: tb}
	resultA, suspA := Step[A](a)
	resultB, suspB := Step[B](b)
	var bo iox.Backoff

	for suspA != nil || suspB != nil {
		progress := false
		if suspA != nil {
			var err error
			resultA, suspA, err = advance(ctxA, suspA)
			if err == nil {
				progress = true
			}
		}
		if suspB != nil {
			var err error
			resultB, suspB, err = advance(ctxB, suspB)
			if err == nil {
				progress = true
			}
		}
		if !progress {
			bo.Wait()
		} else {
			bo.Reset()
		}
	}
	return resultA, resultB
}

// InterleaveEff is [Interleave] for Cont-world protocols.
func InterleaveEff[A, B any](ta Transport, a kont.Eff[A], tb Transport, b kont.Eff[B]) (kont.Either[error, A], kont.Either[error, B]) {
	return Interleave(ta, Reify(a), tb, Reify(b))
}
