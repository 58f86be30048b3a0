package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/sipward/sipward/internal/timeutil"
)

// NonInviteClientTransaction implements the non-INVITE client transaction
// state machine defined in RFC 3261 section 17.1.2.
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE atomic.Pointer[timeutil.Timer]
	tmrF atomic.Pointer[timeutil.Timer]
	tmrK atomic.Pointer[timeutil.Timer]
}

func NewNonInviteClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if mtd := req.Method(); mtd.Equal(RequestMethodInvite) || mtd.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx

	if err := tx.initFSM(TransactionStateTrying); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actTrying(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) error {
	if err := tx.clientTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actNoop).
		InternalTransition(txEvtRecv300699, tx.actNoop).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated).
		InternalTransition(txEvtTerminate, tx.actNoop)

	return nil
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return errtrace.Wrap(err)
	}

	if !IsReliableTransport(tx.tp) {
		tmr := timeutil.AfterFunc(tx.timings.TimeE(), tx.onTimerE)
		tx.tmrE.Store(tmr)

		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"timer E started",
			slog.Any("transaction", tx),
			slog.Time("expires_at", time.Now().Add(tmr.Left())),
		)
	}

	tmr := timeutil.AfterFunc(tx.timings.TimeF(), tx.onTimerF)
	tx.tmrF.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer F started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *NonInviteClientTransaction) onTimerE() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer E expired", slog.Any("transaction", tx))

	if st := tx.State(); st != TransactionStateTrying && st != TransactionStateProceeding {
		tx.tmrE.Store(nil)
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerE); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerE, tx.State(), err))
	}

	if tmr := tx.tmrE.Load(); tmr != nil {
		var dur time.Duration
		if tx.State() == TransactionStateTrying {
			dur = min(2*tmr.Duration(), tx.timings.T2())
		} else {
			dur = tx.timings.T2()
		}
		tmr.Reset(dur)

		tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
			"timer E reset",
			slog.Any("transaction", tx),
			slog.Time("expires_at", time.Now().Add(tmr.Left())),
		)
	}
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer F expired", slog.Any("transaction", tx))

	tx.tmrF.Store(nil)

	if st := tx.State(); st != TransactionStateTrying && st != TransactionStateProceeding {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerF); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerF, tx.State(), err))
	}
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTransact.actCompleted(ctx, args...) //nolint:errcheck

	if tmr := tx.tmrE.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer E stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrF.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer F stopped", slog.Any("transaction", tx))
	}

	var timeK time.Duration
	if !IsReliableTransport(tx.tp) {
		timeK = tx.timings.TimeK()
	}
	tmr := timeutil.AfterFunc(timeK, tx.onTimerK)
	tx.tmrK.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer K started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer K expired", slog.Any("transaction", tx))

	tx.tmrK.Store(nil)

	if tx.State() != TransactionStateCompleted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerK); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerK, tx.State(), err))
	}
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.clientTransact.actTerminated(ctx, args...) //nolint:errcheck

	if tmr := tx.tmrE.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer E stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrF.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer F stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrK.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer K stopped", slog.Any("transaction", tx))
	}

	return nil
}
