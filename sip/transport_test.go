package sip_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sipward/sipward/sip"
)

type sendReqCall struct {
	req  *sip.OutboundRequest
	opts *sip.SendRequestOptions
}

type sendResCall struct {
	res  *sip.OutboundResponse
	opts *sip.SendResponseOptions
}

// stubTransport records outgoing messages and exposes them on channels
// so tests can wait on sends without polling.
type stubTransport struct {
	laddr netip.AddrPort
	rel   bool

	mu          sync.Mutex
	sentReqs    []sendReqCall
	sendReqCh   chan sendReqCall
	sendReqHook func(call sendReqCall, num int) error
	sentRess    []sendResCall
	sendResCh   chan sendResCall
	sendResHook func(call sendResCall, num int) error
}

func newStubTransport(laddr netip.AddrPort, rel bool) *stubTransport {
	return &stubTransport{
		laddr:     laddr,
		rel:       rel,
		sendReqCh: make(chan sendReqCall, 16),
		sendResCh: make(chan sendResCall, 16),
	}
}

func (tp *stubTransport) Reliable() bool { return tp.rel }

func (tp *stubTransport) SendRequest(ctx context.Context, req *sip.OutboundRequest, opts *sip.SendRequestOptions) error {
	if req.LocalAddr() == (netip.AddrPort{}) {
		req.SetLocalAddr(tp.laddr)
	}
	call := sendReqCall{req, opts}
	tp.mu.Lock()
	tp.sentReqs = append(tp.sentReqs, call)
	num := len(tp.sentReqs)
	hook := tp.sendReqHook
	tp.mu.Unlock()
	if hook != nil {
		if err := hook(call, num); err != nil {
			return err
		}
	}
	select {
	case tp.sendReqCh <- call:
	default:
	}
	return nil
}

func (tp *stubTransport) SendResponse(ctx context.Context, res *sip.OutboundResponse, opts *sip.SendResponseOptions) error {
	if res.LocalAddr() == (netip.AddrPort{}) {
		res.SetLocalAddr(tp.laddr)
	}
	call := sendResCall{res, opts}
	tp.mu.Lock()
	tp.sentRess = append(tp.sentRess, call)
	num := len(tp.sentRess)
	hook := tp.sendResHook
	tp.mu.Unlock()
	if hook != nil {
		if err := hook(call, num); err != nil {
			return err
		}
	}
	select {
	case tp.sendResCh <- call:
	default:
	}
	return nil
}

func (tp *stubTransport) setSendReqHook(hook func(call sendReqCall, num int) error) {
	tp.mu.Lock()
	tp.sendReqHook = hook
	tp.mu.Unlock()
}

func (tp *stubTransport) setSendResHook(hook func(call sendResCall, num int) error) {
	tp.mu.Lock()
	tp.sendResHook = hook
	tp.mu.Unlock()
}

func (tp *stubTransport) requestCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.sentReqs)
}

func (tp *stubTransport) responseCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.sentRess)
}

func (tp *stubTransport) waitSendReq(tb testing.TB, timeout time.Duration) sendReqCall {
	tb.Helper()
	select {
	case call := <-tp.sendReqCh:
		return call
	case <-time.After(timeout):
		tb.Fatalf("no request sent within %s", timeout)
		return sendReqCall{}
	}
}

func (tp *stubTransport) waitSendRes(tb testing.TB, timeout time.Duration) sendResCall {
	tb.Helper()
	select {
	case call := <-tp.sendResCh:
		return call
	case <-time.After(timeout):
		tb.Fatalf("no response sent within %s", timeout)
		return sendResCall{}
	}
}

func (tp *stubTransport) ensureNoSendReq(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	select {
	case call := <-tp.sendReqCh:
		tb.Fatalf("unexpected request sent: %s", call.req.Method())
	case <-time.After(timeout):
	}
}

func (tp *stubTransport) ensureNoSendRes(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	select {
	case call := <-tp.sendResCh:
		tb.Fatalf("unexpected response sent: %d", call.res.Status())
	case <-time.After(timeout):
	}
}

func (tp *stubTransport) drainSendReqs() {
	for {
		select {
		case <-tp.sendReqCh:
		default:
			return
		}
	}
}

func (tp *stubTransport) drainSendRess() {
	for {
		select {
		case <-tp.sendResCh:
		default:
			return
		}
	}
}
