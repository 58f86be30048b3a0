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

// InviteClientTransaction implements the INVITE client transaction state
// machine defined in RFC 3261 section 17.1.1 plus patches from RFC 6026.
//
// A 2xx response moves the transaction to the accepted state, where 2xx
// retransmits keep being delivered to the transaction user. The user
// acknowledges the 2xx with [InviteClientTransaction.SendAckFor2xx], which
// terminates the transaction.
type InviteClientTransaction struct {
	*clientTransact

	tmrA atomic.Pointer[timeutil.Timer]
	tmrB atomic.Pointer[timeutil.Timer]
	tmrD atomic.Pointer[timeutil.Timer]
	tmrM atomic.Pointer[timeutil.Timer]

	ack atomic.Pointer[OutboundRequest]
}

func NewInviteClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !req.Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx

	if err := tx.initFSM(TransactionStateCalling); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actCalling(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimerA  = "timer_a"
	txEvtTimerB  = "timer_b"
	txEvtTimerD  = "timer_d"
	txEvtTimerM  = "timer_m"
	txEvtAckSent = "ack_sent"
)

func (tx *InviteClientTransaction) initFSM(start TransactionState) error {
	if err := tx.clientTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Permit(txEvtAckSent, TransactionStateTerminated).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated).
		InternalTransition(txEvtTerminate, tx.actNoop)

	return nil
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

// actSendAck builds and sends the ACK for a non-2xx final response,
// RFC 3261 section 17.1.1.3.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, _ ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		ack = tx.req.Clone()
		msg := ack.Message()
		msg.Method = RequestMethodAck
		msg.Headers.Via = msg.Headers.Via[:1]
		msg.Headers.CSeq.Method = RequestMethodAck
		msg.Headers.To = tx.LastResponse().Headers().To.Clone()
		msg.Headers.MaxForwards = 70
		msg.Body = nil

		tx.ack.Store(ack)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", ack))

	tx.sendReq(ctx, ack) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return errtrace.Wrap(err)
	}

	if !IsReliableTransport(tx.tp) {
		tmr := timeutil.AfterFunc(tx.timings.TimeA(), tx.onTimerA)
		tx.tmrA.Store(tmr)

		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"timer A started",
			slog.Any("transaction", tx),
			slog.Time("expires_at", time.Now().Add(tmr.Left())),
		)
	}

	tmr := timeutil.AfterFunc(tx.timings.TimeB(), tx.onTimerB)
	tx.tmrB.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer B started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer A expired", slog.Any("transaction", tx))

	if tx.State() != TransactionStateCalling {
		tx.tmrA.Store(nil)
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerA); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerA, tx.State(), err))
	}

	if tmr := tx.tmrA.Load(); tmr != nil {
		tmr.Reset(2 * tmr.Duration())

		tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
			"timer A reset",
			slog.Any("transaction", tx),
			slog.Time("expires_at", time.Now().Add(tmr.Left())),
		)
	}
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer B expired", slog.Any("transaction", tx))

	tx.tmrB.Store(nil)

	if tx.State() != TransactionStateCalling {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerB); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerB, tx.State(), err))
	}
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.clientTransact.actProceeding(ctx, args...) //nolint:errcheck

	if tmr := tx.tmrA.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer A stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrB.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer B stopped", slog.Any("transaction", tx))
	}

	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTransact.actCompleted(ctx, args...) //nolint:errcheck

	if tmr := tx.tmrA.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer A stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrB.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer B stopped", slog.Any("transaction", tx))
	}

	var timeD time.Duration
	if !IsReliableTransport(tx.tp) {
		timeD = tx.timings.TimeD()
	}
	tmr := timeutil.AfterFunc(timeD, tx.onTimerD)
	tx.tmrD.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer D started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer D expired", slog.Any("transaction", tx))

	tx.tmrD.Store(nil)

	if tx.State() != TransactionStateCompleted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerD); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerD, tx.State(), err))
	}
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	if tmr := tx.tmrA.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer A stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrB.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer B stopped", slog.Any("transaction", tx))
	}

	tmr := timeutil.AfterFunc(tx.timings.TimeM(), tx.onTimerM)
	tx.tmrM.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer M started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *InviteClientTransaction) onTimerM() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer M expired", slog.Any("transaction", tx))

	tx.tmrM.Store(nil)

	if tx.State() != TransactionStateAccepted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerM); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerM, tx.State(), err))
	}
}

// AckFor2xx builds an ACK for a 2xx response received by the transaction.
// The ACK forms a new transaction per RFC 3261 section 17.1.1.3, with
// a fresh branch in its single Via header field. The request URI is taken
// from ruri, or from the original INVITE when ruri is empty.
func (tx *InviteClientTransaction) AckFor2xx(res *InboundResponse, ruri string) (*OutboundRequest, error) {
	if res == nil {
		res = tx.LastResponse()
	}
	if res == nil || !res.Status().IsSuccessful() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing 2xx response"))
	}
	if err := tx.MatchResponse(res); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if ruri == "" {
		ruri = tx.req.Message().URI
	}

	inv := tx.req.Message()
	via, _ := inv.Headers.FirstVia()

	ack := &Request{
		Method: RequestMethodAck,
		URI:    ruri,
		Proto:  inv.proto(),
		Headers: Headers{
			Via: []Via{{
				Proto:     via.Proto,
				Transport: via.Transport,
				SentBy:    via.SentBy,
				Params:    Values{"branch": GenerateBranch()},
			}},
			From:        inv.Headers.From.Clone(),
			To:          res.Headers().To.Clone(),
			CallID:      inv.Headers.CallID,
			CSeq:        CSeq{SeqNum: inv.Headers.CSeq.SeqNum, Method: RequestMethodAck},
			MaxForwards: 70,
		},
	}
	return NewOutboundRequest(ack, tx.req.LocalAddr(), tx.req.RemoteAddr()), nil
}

// SendAckFor2xx builds and sends the ACK for a 2xx response and terminates
// the transaction. It is only valid in the accepted state.
func (tx *InviteClientTransaction) SendAckFor2xx(ctx context.Context, res *InboundResponse, ruri string) error {
	if st := tx.State(); st != TransactionStateAccepted {
		return errtrace.Wrap(NewTransactionStateError(st))
	}

	ack, err := tx.AckFor2xx(res, ruri)
	if err != nil {
		return errtrace.Wrap(err)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", ack))

	if err := tx.tp.SendRequest(ctx, ack, tx.sendOpts); err != nil {
		return errtrace.Wrap(fmt.Errorf("send %q request: %w", ack.Method(), err))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtAckSent))
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.clientTransact.actTerminated(ctx, args...) //nolint:errcheck

	if tmr := tx.tmrA.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer A stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrB.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer B stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrD.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer D stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrM.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer M stopped", slog.Any("transaction", tx))
	}

	return nil
}
