package sip

import "braces.dev/errtrace"

// NewCancelRequest builds a CANCEL for an unanswered INVITE per
// RFC 3261 section 9.1. The CANCEL shares the INVITE's branch, so it forms
// its own client transaction that matches the INVITE on the server side,
// and carries a single Via header field.
func NewCancelRequest(inv *Request) (*Request, error) {
	if err := inv.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !inv.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	via, _ := inv.Headers.FirstVia()

	return &Request{
		Method: RequestMethodCancel,
		URI:    inv.URI,
		Proto:  inv.proto(),
		Headers: Headers{
			Via:         []Via{via.Clone()},
			From:        inv.Headers.From.Clone(),
			To:          inv.Headers.To.Clone(),
			CallID:      inv.Headers.CallID,
			CSeq:        CSeq{SeqNum: inv.Headers.CSeq.SeqNum, Method: RequestMethodCancel},
			MaxForwards: 70,
		},
	}, nil
}
