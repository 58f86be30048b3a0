package sip_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/sipward/sipward/sip"
)

var (
	testLclAddr = netip.MustParseAddrPort("10.0.0.1:5060")
	testRmtAddr = netip.MustParseAddrPort("10.0.0.2:5060")
)

// testTimings compresses the RFC timers so state machine tests run fast.
// The auto 100 Trying delay is pushed out of the way, tests that want it
// override via WithTime100.
func testTimings(t1 time.Duration) sip.Timings {
	return sip.NewTimings(t1, 8*t1, 10*t1).WithTime100(time.Minute)
}

func newRequest(mtd sip.RequestMethod, branch, sentBy string) *sip.Request {
	return &sip.Request{
		Method: mtd,
		URI:    "sip:alice@alice.voip.com",
		Proto:  sip.ProtoSIP20,
		Headers: sip.Headers{
			Via: []sip.Via{{
				Proto:     sip.ProtoSIP20,
				Transport: sip.TransportUDP,
				SentBy:    sentBy,
				Params:    sip.Values{"branch": branch},
			}},
			From:        sip.NameAddr{URI: "sip:bob@bob.voip.com", Params: sip.Values{"tag": "from-qwerty"}},
			To:          sip.NameAddr{URI: "sip:alice@alice.voip.com"},
			CallID:      "call-1234@bob.voip.com",
			CSeq:        sip.CSeq{SeqNum: 1, Method: mtd},
			MaxForwards: 70,
		},
	}
}

func newOutInviteReq(branch string) *sip.OutboundRequest {
	return sip.NewOutboundRequest(
		newRequest(sip.RequestMethodInvite, branch, testLclAddr.String()),
		testLclAddr, testRmtAddr,
	)
}

func newInInviteReq(branch string) *sip.InboundRequest {
	return sip.NewInboundRequest(
		newRequest(sip.RequestMethodInvite, branch, testRmtAddr.String()),
		testLclAddr, testRmtAddr,
	)
}

func newOutNonInviteReq(mtd sip.RequestMethod, branch string) *sip.OutboundRequest {
	return sip.NewOutboundRequest(
		newRequest(mtd, branch, testLclAddr.String()),
		testLclAddr, testRmtAddr,
	)
}

func newInNonInviteReq(mtd sip.RequestMethod, branch string) *sip.InboundRequest {
	return sip.NewInboundRequest(
		newRequest(mtd, branch, testRmtAddr.String()),
		testLclAddr, testRmtAddr,
	)
}

// newInAckReq builds the ACK a client sends for a non-2xx final response,
// sharing the INVITE branch, RFC 3261 section 17.1.1.3.
func newInAckReq(inv *sip.InboundRequest, res *sip.OutboundResponse) *sip.InboundRequest {
	msg := inv.Message().Clone()
	msg.Method = sip.RequestMethodAck
	msg.Headers.Via = msg.Headers.Via[:1]
	msg.Headers.CSeq.Method = sip.RequestMethodAck
	msg.Headers.To = res.Message().Headers.To.Clone()
	msg.Body = nil
	return sip.NewInboundRequest(msg, inv.LocalAddr(), inv.RemoteAddr())
}

func newInRes(tb testing.TB, req *sip.OutboundRequest, sts sip.ResponseStatus, opts *sip.ResponseOptions) *sip.InboundResponse {
	tb.Helper()
	msg, err := req.Message().NewResponse(sts, opts)
	if err != nil {
		tb.Fatalf("failed to build response: %s", err)
	}
	return sip.NewInboundResponse(msg, req.LocalAddr(), req.RemoteAddr())
}

func waitForTransactState(tb testing.TB, tx sip.Transaction, want sip.TransactionState, timeout time.Duration) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if st := tx.State(); st == want {
			return
		} else if time.Now().After(deadline) {
			tb.Fatalf("tx.State() = %q, want %q", st, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitForTransactDone(tb testing.TB, tx sip.Transaction, timeout time.Duration) {
	tb.Helper()
	select {
	case <-tx.Done():
	case <-time.After(timeout):
		tb.Fatalf("tx not terminated within %s", timeout)
	}
}

func assertResponseStatus(tb testing.TB, resCh <-chan *sip.InboundResponse, want sip.ResponseStatus, timeout time.Duration) {
	tb.Helper()
	select {
	case res := <-resCh:
		if got := res.Status(); got != want {
			tb.Fatalf("res.Status() = %d, want %d", got, want)
		}
	case <-time.After(timeout):
		tb.Fatalf("no response delivered within %s", timeout)
	}
}
