package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sipward/sipward/sip"
)

func newTestManager(tb testing.TB, tp sip.Transport, t1 time.Duration) *sip.TransactionManager {
	tb.Helper()
	txm, err := sip.NewTransactionManager(tp, &sip.TransactionManagerOptions{
		Timings: testTimings(t1),
	})
	if err != nil {
		tb.Fatalf("failed to create transaction manager: %s", err)
	}
	tb.Cleanup(func() {
		txm.Close(context.Background()) //nolint:errcheck
	})
	return txm
}

func collectEvents(txm *sip.TransactionManager) <-chan sip.TransactionEvent {
	evtCh := make(chan sip.TransactionEvent, 32)
	txm.OnEvent(func(_ context.Context, evt sip.TransactionEvent) {
		evtCh <- evt
	})
	return evtCh
}

// waitEvent discards events until one of the wanted type arrives.
func waitEvent[T sip.TransactionEvent](tb testing.TB, evtCh <-chan sip.TransactionEvent, timeout time.Duration) T {
	tb.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-evtCh:
			if e, ok := evt.(T); ok {
				return e
			}
		case <-deadline:
			var zero T
			tb.Fatalf("no %T event within %s", zero, timeout)
			return zero
		}
	}
}

func TestTransactionManager_HandleRequest(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, false)
	txm := newTestManager(t, tp, t1)
	evtCh := collectEvents(txm)

	req := newInInviteReq("z9hG4bK-txm-req")
	if err := txm.HandleRequest(context.Background(), req); err != nil {
		t.Fatalf("failed to handle request: %s", err)
	}

	evt := waitEvent[sip.NewRequestEvent](t, evtCh, time.Second)
	if got := evt.Key.Method; got != string(sip.RequestMethodInvite) {
		t.Fatalf("evt.Key.Method = %q, want %q", got, sip.RequestMethodInvite)
	}
	if !evt.RelatedInvite.IsZero() {
		t.Fatalf("evt.RelatedInvite = %q, want zero", evt.RelatedInvite)
	}
	if !txm.HasServerTransaction(context.Background(), evt.Key) {
		t.Fatal("server transaction not stored")
	}

	if err := txm.Respond(context.Background(), evt.Key, sip.ResponseStatusRinging, &sip.RespondOptions{
		Response: &sip.ResponseOptions{ToTag: "to-asdf"},
	}); err != nil {
		t.Fatalf("failed to respond 180: %s", err)
	}
	call := tp.waitSendRes(t, time.Second)
	if got := call.res.Status(); got != sip.ResponseStatusRinging {
		t.Fatalf("sent response status = %d, want %d", got, sip.ResponseStatusRinging)
	}

	// a retransmitted request is absorbed by the existing transaction
	if err := txm.HandleRequest(context.Background(), newInInviteReq("z9hG4bK-txm-req")); err != nil {
		t.Fatalf("failed to handle retransmitted request: %s", err)
	}
	call = tp.waitSendRes(t, time.Second)
	if got := call.res.Status(); got != sip.ResponseStatusRinging {
		t.Fatalf("sent response status = %d, want %d", got, sip.ResponseStatusRinging)
	}
	select {
	case evt := <-evtCh:
		if _, ok := evt.(sip.NewRequestEvent); ok {
			t.Fatal("unexpected new request event for a retransmission")
		}
	default:
	}
}

func TestTransactionManager_HandleRequestMalformed(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, false)
	txm := newTestManager(t, tp, t1)

	// pre RFC 3261 branch without the magic cookie
	req := newInInviteReq("1234-old-branch")
	err := txm.HandleRequest(context.Background(), req)
	if !errors.Is(err, sip.ErrMessageMalformed) {
		t.Fatalf("txm.HandleRequest() = %q, want %q", err, sip.ErrMessageMalformed)
	}
	call := tp.waitSendRes(t, time.Second)
	if got := call.res.Status(); got != sip.ResponseStatusBadRequest {
		t.Fatalf("sent response status = %d, want %d", got, sip.ResponseStatusBadRequest)
	}
}

func TestTransactionManager_StrayAck(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, false)
	txm := newTestManager(t, tp, t1)
	evtCh := collectEvents(txm)

	ack := newInNonInviteReq(sip.RequestMethodAck, "z9hG4bK-txm-stray-ack")
	if err := txm.HandleRequest(context.Background(), ack); err != nil {
		t.Fatalf("failed to handle ACK: %s", err)
	}

	evt := waitEvent[sip.StrayRequestEvent](t, evtCh, time.Second)
	if got := evt.Request.Method(); got != sip.RequestMethodAck {
		t.Fatalf("evt.Request.Method() = %q, want %q", got, sip.RequestMethodAck)
	}
	tp.ensureNoSendRes(t, 3*t1)
}

func TestTransactionManager_HandleResponse(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, true)
	txm := newTestManager(t, tp, t1)
	evtCh := collectEvents(txm)

	req := newOutNonInviteReq(sip.RequestMethodInfo, "z9hG4bK-txm-res")
	tx, err := txm.NewClientTransaction(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("failed to create transaction: %s", err)
	}
	key, _ := sip.GetClientTransactionKey(tx)
	tp.waitSendReq(t, time.Second)

	if err := txm.HandleResponse(context.Background(), newInRes(t, req, sip.ResponseStatusTrying, nil)); err != nil {
		t.Fatalf("failed to handle 100 response: %s", err)
	}
	prov := waitEvent[sip.ProvisionalResponseEvent](t, evtCh, time.Second)
	if prov.Key != key {
		t.Fatalf("evt.Key = %q, want %q", prov.Key, key)
	}

	if err := txm.HandleResponse(context.Background(), newInRes(t, req, sip.ResponseStatusOK, &sip.ResponseOptions{ToTag: "to-asdf"})); err != nil {
		t.Fatalf("failed to handle 200 response: %s", err)
	}
	succ := waitEvent[sip.SuccessResponseEvent](t, evtCh, time.Second)
	if succ.Key != key {
		t.Fatalf("evt.Key = %q, want %q", succ.Key, key)
	}

	term := waitEvent[sip.TransactionTerminatedEvent](t, evtCh, time.Second)
	if term.Err != nil {
		t.Fatalf("evt.Err = %q, want nil", term.Err)
	}
	if txm.HasClientTransaction(context.Background(), key) {
		t.Fatal("terminated transaction still stored")
	}
}

func TestTransactionManager_StrayResponse(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, false)
	txm := newTestManager(t, tp, t1)
	evtCh := collectEvents(txm)

	req := newOutNonInviteReq(sip.RequestMethodInfo, "z9hG4bK-txm-stray-res")
	if err := txm.HandleResponse(context.Background(), newInRes(t, req, sip.ResponseStatusOK, nil)); err != nil {
		t.Fatalf("failed to handle response: %s", err)
	}
	waitEvent[sip.StrayResponseEvent](t, evtCh, time.Second)
}

func TestTransactionManager_ClientTimeout(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, true)
	txm := newTestManager(t, tp, t1)
	evtCh := collectEvents(txm)

	req := newOutInviteReq("z9hG4bK-txm-timeout")
	tx, err := txm.NewClientTransaction(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("failed to create transaction: %s", err)
	}
	key, _ := sip.GetClientTransactionKey(tx)

	// a locally generated 408 stands in for the missing response
	fail := waitEvent[sip.FailureResponseEvent](t, evtCh, testTimings(t1).TimeB()+time.Second)
	if fail.Key != key {
		t.Fatalf("evt.Key = %q, want %q", fail.Key, key)
	}
	if got := fail.Response.Status(); got != sip.ResponseStatusRequestTimeout {
		t.Fatalf("evt.Response.Status() = %d, want %d", got, sip.ResponseStatusRequestTimeout)
	}

	term := waitEvent[sip.TransactionTerminatedEvent](t, evtCh, time.Second)
	if !errors.Is(term.Err, sip.ErrTransactionTimedOut) {
		t.Fatalf("evt.Err = %q, want %q", term.Err, sip.ErrTransactionTimedOut)
	}
}

func TestTransactionManager_CancelInviteTransaction(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, true)
	txm := newTestManager(t, tp, t1)
	evtCh := collectEvents(txm)

	req := newOutInviteReq("z9hG4bK-txm-cancel")
	tx, err := txm.NewClientTransaction(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("failed to create transaction: %s", err)
	}
	inviteKey, _ := sip.GetClientTransactionKey(tx)
	tp.waitSendReq(t, time.Second)

	// unknown INVITE keys are rejected
	if _, err := txm.CancelInviteTransaction(context.Background(), sip.ClientTransactionKey{
		Branch: "z9hG4bK-txm-cancel-unknown", Method: "INVITE",
	}); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Fatalf("txm.CancelInviteTransaction() = %q, want %q", err, sip.ErrTransactionNotFound)
	}

	if err := txm.HandleResponse(context.Background(), newInRes(t, req, sip.ResponseStatusRinging, &sip.ResponseOptions{ToTag: "to-asdf"})); err != nil {
		t.Fatalf("failed to handle 180 response: %s", err)
	}
	waitEvent[sip.ProvisionalResponseEvent](t, evtCh, time.Second)

	cancelKey, err := txm.CancelInviteTransaction(context.Background(), inviteKey)
	if err != nil {
		t.Fatalf("failed to cancel: %s", err)
	}
	cancelCall := tp.waitSendReq(t, time.Second)
	cancelReq := cancelCall.req
	if got := cancelReq.Method(); got != sip.RequestMethodCancel {
		t.Fatalf("sent request method = %q, want %q", got, sip.RequestMethodCancel)
	}
	if cancelKey.Branch != inviteKey.Branch {
		t.Fatalf("cancel branch = %q, want the INVITE branch %q", cancelKey.Branch, inviteKey.Branch)
	}

	// the CANCEL transaction completes on its own 200
	if err := txm.HandleResponse(context.Background(), newInRes(t, cancelReq, sip.ResponseStatusOK, nil)); err != nil {
		t.Fatalf("failed to handle 200 for CANCEL: %s", err)
	}
	succ := waitEvent[sip.SuccessResponseEvent](t, evtCh, time.Second)
	if succ.Key != cancelKey {
		t.Fatalf("evt.Key = %q, want %q", succ.Key, cancelKey)
	}

	// the INVITE transaction fails with 487, carrying the CANCEL key
	if err := txm.HandleResponse(context.Background(), newInRes(t, req, sip.ResponseStatusRequestTerminated, &sip.ResponseOptions{ToTag: "to-asdf"})); err != nil {
		t.Fatalf("failed to handle 487 response: %s", err)
	}
	fail := waitEvent[sip.FailureResponseEvent](t, evtCh, time.Second)
	if fail.Key != inviteKey {
		t.Fatalf("evt.Key = %q, want %q", fail.Key, inviteKey)
	}
	if fail.RelatedCancel != cancelKey {
		t.Fatalf("evt.RelatedCancel = %q, want %q", fail.RelatedCancel, cancelKey)
	}

	// the transaction ACKs the 487 on its own
	ack := tp.waitSendReq(t, time.Second).req
	if got := ack.Method(); got != sip.RequestMethodAck {
		t.Fatalf("sent request method = %q, want %q", got, sip.RequestMethodAck)
	}
}

func TestTransactionManager_ServerCancel(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, false)
	txm := newTestManager(t, tp, t1)
	evtCh := collectEvents(txm)

	if err := txm.HandleRequest(context.Background(), newInInviteReq("z9hG4bK-txm-srv-cancel")); err != nil {
		t.Fatalf("failed to handle INVITE: %s", err)
	}
	invEvt := waitEvent[sip.NewRequestEvent](t, evtCh, time.Second)

	cancel := newInNonInviteReq(sip.RequestMethodCancel, "z9hG4bK-txm-srv-cancel")
	if err := txm.HandleRequest(context.Background(), cancel); err != nil {
		t.Fatalf("failed to handle CANCEL: %s", err)
	}
	cancelEvt := waitEvent[sip.NewRequestEvent](t, evtCh, time.Second)
	if got := cancelEvt.Key.Method; got != string(sip.RequestMethodCancel) {
		t.Fatalf("evt.Key.Method = %q, want %q", got, sip.RequestMethodCancel)
	}
	if cancelEvt.RelatedInvite != invEvt.Key {
		t.Fatalf("evt.RelatedInvite = %q, want %q", cancelEvt.RelatedInvite, invEvt.Key)
	}

	// answer the CANCEL with 200 and the INVITE with 487
	if err := txm.Respond(context.Background(), cancelEvt.Key, sip.ResponseStatusOK, &sip.RespondOptions{
		Response: &sip.ResponseOptions{ToTag: "to-asdf"},
	}); err != nil {
		t.Fatalf("failed to respond 200 to CANCEL: %s", err)
	}
	call := tp.waitSendRes(t, time.Second)
	if got := call.res.Status(); got != sip.ResponseStatusOK {
		t.Fatalf("sent response status = %d, want %d", got, sip.ResponseStatusOK)
	}

	if err := txm.Respond(context.Background(), invEvt.Key, sip.ResponseStatusRequestTerminated, &sip.RespondOptions{
		Response: &sip.ResponseOptions{ToTag: "to-asdf"},
	}); err != nil {
		t.Fatalf("failed to respond 487 to INVITE: %s", err)
	}
	call = tp.waitSendRes(t, time.Second)
	if got := call.res.Status(); got != sip.ResponseStatusRequestTerminated {
		t.Fatalf("sent response status = %d, want %d", got, sip.ResponseStatusRequestTerminated)
	}
}

func TestTransactionManager_DuplicateClientTransaction(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, true)
	txm := newTestManager(t, tp, t1)

	req := newOutNonInviteReq(sip.RequestMethodInfo, "z9hG4bK-txm-dup")
	if _, err := txm.NewClientTransaction(context.Background(), req, nil); err != nil {
		t.Fatalf("failed to create transaction: %s", err)
	}
	_, err := txm.NewClientTransaction(context.Background(), newOutNonInviteReq(sip.RequestMethodInfo, "z9hG4bK-txm-dup"), nil)
	if !errors.Is(err, sip.ErrTransactionExists) {
		t.Fatalf("NewClientTransaction() = %q, want %q", err, sip.ErrTransactionExists)
	}
}

func TestTransactionManager_Close(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	tp := newStubTransport(testLclAddr, true)
	txm := newTestManager(t, tp, t1)

	req := newOutInviteReq("z9hG4bK-txm-close")
	tx, err := txm.NewClientTransaction(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("failed to create transaction: %s", err)
	}

	if err := txm.Close(context.Background()); err != nil {
		t.Fatalf("failed to close: %s", err)
	}
	waitForTransactDone(t, tx, time.Second)

	if _, err := txm.NewClientTransaction(context.Background(), newOutInviteReq("z9hG4bK-txm-closed"), nil); !errors.Is(err, sip.ErrTransactionManagerClosed) {
		t.Fatalf("NewClientTransaction() = %q, want %q", err, sip.ErrTransactionManagerClosed)
	}

	// inbound requests are rejected statelessly with 503
	err = txm.HandleRequest(context.Background(), newInInviteReq("z9hG4bK-txm-closed-req"))
	if !errors.Is(err, sip.ErrTransactionManagerClosed) {
		t.Fatalf("txm.HandleRequest() = %q, want %q", err, sip.ErrTransactionManagerClosed)
	}
	call := tp.waitSendRes(t, time.Second)
	if got := call.res.Status(); got != sip.ResponseStatusServiceUnavailable {
		t.Fatalf("sent response status = %d, want %d", got, sip.ResponseStatusServiceUnavailable)
	}
}
