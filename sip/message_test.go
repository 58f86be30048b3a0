package sip_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sipward/sipward/sip"
)

func TestRequest_Render(t *testing.T) {
	t.Parallel()

	req := &sip.Request{
		Method: sip.RequestMethodInvite,
		URI:    "sip:alice@alice.voip.com",
		Headers: sip.Headers{
			Via: []sip.Via{{
				Proto:     sip.ProtoSIP20,
				Transport: sip.TransportUDP,
				SentBy:    "bob.voip.com:5060",
				Params:    sip.Values{"branch": "z9hG4bK-render"},
			}},
			From:        sip.NameAddr{URI: "sip:bob@bob.voip.com", Params: sip.Values{"tag": "from-qwerty"}},
			To:          sip.NameAddr{URI: "sip:alice@alice.voip.com"},
			CallID:      "call-1234@bob.voip.com",
			CSeq:        sip.CSeq{SeqNum: 1, Method: sip.RequestMethodInvite},
			MaxForwards: 70,
			Other:       []sip.RawHeader{{Name: "Subject", Value: "lunch"}},
		},
		Body: []byte("v=0\r\n"),
	}

	want := strings.Join([]string{
		"INVITE sip:alice@alice.voip.com SIP/2.0",
		"Via: SIP/2.0/UDP bob.voip.com:5060;branch=z9hG4bK-render",
		"From: <sip:bob@bob.voip.com>;tag=from-qwerty",
		"To: <sip:alice@alice.voip.com>",
		"Call-ID: call-1234@bob.voip.com",
		"CSeq: 1 INVITE",
		"Max-Forwards: 70",
		"Subject: lunch",
		"Content-Length: 5",
		"",
		"v=0",
		"",
	}, "\r\n")
	if diff := cmp.Diff(want, string(req.Render())); diff != "" {
		t.Fatalf("rendered request mismatch (-want +got):\n%s", diff)
	}
}

func TestRequest_Validate(t *testing.T) {
	t.Parallel()

	req := newRequest(sip.RequestMethodInvite, "z9hG4bK-validate", testLclAddr.String())
	if err := req.Validate(); err != nil {
		t.Fatalf("req.Validate() = %q, want nil", err)
	}

	broken := req.Clone()
	broken.Headers.Via = nil
	if err := broken.Validate(); !errors.Is(err, sip.ErrMessageMalformed) {
		t.Fatalf("req.Validate() = %q, want %q", err, sip.ErrMessageMalformed)
	}

	broken = req.Clone()
	broken.Headers.Via[0].Params = nil
	if err := broken.Validate(); !errors.Is(err, sip.ErrMessageMalformed) {
		t.Fatalf("req.Validate() = %q, want %q", err, sip.ErrMessageMalformed)
	}
}

func TestRequest_NewResponse(t *testing.T) {
	t.Parallel()

	req := newRequest(sip.RequestMethodInvite, "z9hG4bK-response", testLclAddr.String())
	res, err := req.NewResponse(sip.ResponseStatusRinging, &sip.ResponseOptions{ToTag: "to-asdf"})
	if err != nil {
		t.Fatalf("failed to build response: %s", err)
	}

	if got := res.Status; got != sip.ResponseStatusRinging {
		t.Fatalf("res.Status = %d, want %d", got, sip.ResponseStatusRinging)
	}
	if got := res.Reason; got != "Ringing" {
		t.Fatalf("res.Reason = %q, want %q", got, "Ringing")
	}
	if diff := cmp.Diff(req.Headers.Via, res.Headers.Via); diff != "" {
		t.Fatalf("response Via mismatch (-want +got):\n%s", diff)
	}
	if got := res.Headers.CSeq; got != req.Headers.CSeq {
		t.Fatalf("res.Headers.CSeq = %v, want %v", got, req.Headers.CSeq)
	}
	if tag, _ := res.Headers.To.Tag(); tag != "to-asdf" {
		t.Fatalf("response To tag = %q, want %q", tag, "to-asdf")
	}

	// an existing To tag is kept
	req.Headers.To.Params = sip.Values{"tag": "to-orig"}
	res, err = req.NewResponse(sip.ResponseStatusOK, &sip.ResponseOptions{ToTag: "to-other"})
	if err != nil {
		t.Fatalf("failed to build response: %s", err)
	}
	if tag, _ := res.Headers.To.Tag(); tag != "to-orig" {
		t.Fatalf("response To tag = %q, want %q", tag, "to-orig")
	}
}

func TestNewCancelRequest(t *testing.T) {
	t.Parallel()

	inv := newRequest(sip.RequestMethodInvite, "z9hG4bK-cancel-req", testLclAddr.String())
	inv.Headers.Via = append(inv.Headers.Via, sip.Via{
		Proto:     sip.ProtoSIP20,
		Transport: sip.TransportUDP,
		SentBy:    "proxy.voip.com:5060",
		Params:    sip.Values{"branch": "z9hG4bK-proxy"},
	})

	cancel, err := sip.NewCancelRequest(inv)
	if err != nil {
		t.Fatalf("failed to build CANCEL: %s", err)
	}

	if got := cancel.Method; !got.Equal(sip.RequestMethodCancel) {
		t.Fatalf("cancel.Method = %q, want %q", got, sip.RequestMethodCancel)
	}
	if got := cancel.URI; got != inv.URI {
		t.Fatalf("cancel.URI = %q, want %q", got, inv.URI)
	}
	// single Via copying the INVITE branch
	if got := len(cancel.Headers.Via); got != 1 {
		t.Fatalf("len(cancel.Headers.Via) = %d, want 1", got)
	}
	branch, _ := cancel.Headers.Via[0].Branch()
	if branch != "z9hG4bK-cancel-req" {
		t.Fatalf("cancel branch = %q, want %q", branch, "z9hG4bK-cancel-req")
	}
	if got := cancel.Headers.CSeq; got.SeqNum != inv.Headers.CSeq.SeqNum || !got.Method.Equal(sip.RequestMethodCancel) {
		t.Fatalf("cancel CSeq = %d %q, want %d CANCEL", got.SeqNum, got.Method, inv.Headers.CSeq.SeqNum)
	}

	if _, err := sip.NewCancelRequest(newRequest(sip.RequestMethodInfo, "z9hG4bK-cancel-info", testLclAddr.String())); !errors.Is(err, sip.ErrMethodNotAllowed) {
		t.Fatalf("NewCancelRequest(INFO) = %q, want %q", err, sip.ErrMethodNotAllowed)
	}
}

func TestGenerateBranch(t *testing.T) {
	t.Parallel()

	b1 := sip.GenerateBranch()
	b2 := sip.GenerateBranch()
	if !sip.IsRFC3261Branch(b1) {
		t.Fatalf("GenerateBranch() = %q, want an RFC 3261 branch", b1)
	}
	if b1 == b2 {
		t.Fatalf("GenerateBranch() returned %q twice", b1)
	}
}
