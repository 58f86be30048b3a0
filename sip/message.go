package sip

import (
	"bytes"
	"log/slog"
	"strings"

	"braces.dev/errtrace"
)

// Message is a SIP request or response.
type Message interface {
	// MessageHeaders returns the header fields of the message.
	MessageHeaders() *Headers
	// Validate checks that the message carries everything the transaction
	// layer needs to route and match it.
	Validate() error
	// Render serializes the message to its wire form.
	Render() []byte
}

// Request is a SIP request message.
type Request struct {
	Method  RequestMethod
	URI     string
	Proto   string
	Headers Headers
	Body    []byte
}

func (req *Request) MessageHeaders() *Headers { return &req.Headers }

func (req *Request) Validate() error {
	switch {
	case req == nil:
		return errtrace.Wrap(NewInvalidArgumentError("nil request"))
	case req.Method.IsZero():
		return errtrace.Wrap(NewMalformedMessageError("missing request method"))
	case req.URI == "":
		return errtrace.Wrap(NewMalformedMessageError("missing request URI"))
	case len(req.Headers.Via) == 0:
		return errtrace.Wrap(NewMalformedMessageError("missing Via header"))
	case req.Headers.From.URI == "":
		return errtrace.Wrap(NewMalformedMessageError("missing From header"))
	case req.Headers.To.URI == "":
		return errtrace.Wrap(NewMalformedMessageError("missing To header"))
	case req.Headers.CallID.IsZero():
		return errtrace.Wrap(NewMalformedMessageError("missing Call-ID header"))
	case req.Headers.CSeq.Method.IsZero():
		return errtrace.Wrap(NewMalformedMessageError("missing CSeq header"))
	}
	if _, ok := req.Headers.Via[0].Branch(); !ok {
		return errtrace.Wrap(NewMalformedMessageError("missing branch in top Via header"))
	}
	return nil
}

func (req *Request) Render() []byte {
	var sb strings.Builder
	sb.WriteString(string(req.Method))
	sb.WriteByte(' ')
	sb.WriteString(req.URI)
	sb.WriteByte(' ')
	sb.WriteString(req.proto())
	sb.WriteString("\r\n")
	req.Headers.render(&sb, len(req.Body))
	sb.WriteString("\r\n")
	sb.Write(req.Body)
	return []byte(sb.String())
}

func (req *Request) proto() string {
	if req.Proto == "" {
		return ProtoSIP20
	}
	return req.Proto
}

func (req *Request) Clone() *Request {
	if req == nil {
		return nil
	}
	return &Request{
		Method:  req.Method,
		URI:     req.URI,
		Proto:   req.Proto,
		Headers: req.Headers.Clone(),
		Body:    bytes.Clone(req.Body),
	}
}

func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", string(req.Method)),
		slog.String("uri", req.URI),
		slog.String("call_id", string(req.Headers.CallID)),
	)
}

// ResponseOptions customizes a response built from a request.
type ResponseOptions struct {
	// Reason overrides the default reason phrase of the status code.
	Reason string
	// ToTag is set as the To header tag parameter when the request's
	// To header carries none.
	ToTag string
	Body  []byte
}

func (opts *ResponseOptions) reason(sts ResponseStatus) string {
	if opts != nil && opts.Reason != "" {
		return opts.Reason
	}
	return sts.Reason()
}

func (opts *ResponseOptions) toTag() string {
	if opts == nil {
		return ""
	}
	return opts.ToTag
}

func (opts *ResponseOptions) body() []byte {
	if opts == nil {
		return nil
	}
	return opts.Body
}

// NewResponse builds a response to the request per RFC 3261 8.2.6.2,
// copying the Via values, From, To, Call-ID and CSeq header fields.
func (req *Request) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !sts.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid response status", sts))
	}

	res := &Response{
		Status: sts,
		Reason: opts.reason(sts),
		Proto:  req.proto(),
		Headers: Headers{
			Via:    make([]Via, 0, len(req.Headers.Via)),
			From:   req.Headers.From.Clone(),
			To:     req.Headers.To.Clone(),
			CallID: req.Headers.CallID,
			CSeq:   req.Headers.CSeq,
		},
		Body: bytes.Clone(opts.body()),
	}
	for _, via := range req.Headers.Via {
		res.Headers.Via = append(res.Headers.Via, via.Clone())
	}
	if _, ok := res.Headers.To.Tag(); !ok {
		if tag := opts.toTag(); tag != "" {
			if res.Headers.To.Params == nil {
				res.Headers.To.Params = make(Values, 1)
			}
			res.Headers.To.Params.Set("tag", tag)
		}
	}
	return res, nil
}

// Response is a SIP response message.
type Response struct {
	Status  ResponseStatus
	Reason  string
	Proto   string
	Headers Headers
	Body    []byte
}

func (res *Response) MessageHeaders() *Headers { return &res.Headers }

func (res *Response) Validate() error {
	switch {
	case res == nil:
		return errtrace.Wrap(NewInvalidArgumentError("nil response"))
	case !res.Status.IsValid():
		return errtrace.Wrap(NewMalformedMessageError("invalid response status", res.Status))
	case len(res.Headers.Via) == 0:
		return errtrace.Wrap(NewMalformedMessageError("missing Via header"))
	case res.Headers.CSeq.Method.IsZero():
		return errtrace.Wrap(NewMalformedMessageError("missing CSeq header"))
	}
	if _, ok := res.Headers.Via[0].Branch(); !ok {
		return errtrace.Wrap(NewMalformedMessageError("missing branch in top Via header"))
	}
	return nil
}

func (res *Response) Render() []byte {
	var sb strings.Builder
	sb.WriteString(res.proto())
	sb.WriteByte(' ')
	sb.WriteString(res.Status.String())
	sb.WriteByte(' ')
	sb.WriteString(res.reason())
	sb.WriteString("\r\n")
	res.Headers.render(&sb, len(res.Body))
	sb.WriteString("\r\n")
	sb.Write(res.Body)
	return []byte(sb.String())
}

func (res *Response) proto() string {
	if res.Proto == "" {
		return ProtoSIP20
	}
	return res.Proto
}

func (res *Response) reason() string {
	if res.Reason == "" {
		return res.Status.Reason()
	}
	return res.Reason
}

func (res *Response) Clone() *Response {
	if res == nil {
		return nil
	}
	return &Response{
		Status:  res.Status,
		Reason:  res.Reason,
		Proto:   res.Proto,
		Headers: res.Headers.Clone(),
		Body:    bytes.Clone(res.Body),
	}
}

func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("status", uint64(res.Status)),
		slog.String("cseq_method", string(res.Headers.CSeq.Method)),
		slog.String("call_id", string(res.Headers.CallID)),
	)
}
