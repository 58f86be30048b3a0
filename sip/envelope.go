package sip

import (
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"
)

// InboundRequest is a request received from the network together with
// the addresses it arrived on.
type InboundRequest struct {
	msg        *Request
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
}

func NewInboundRequest(msg *Request, localAddr, remoteAddr netip.AddrPort) *InboundRequest {
	return &InboundRequest{
		msg:        msg,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
	}
}

func (req *InboundRequest) Message() *Request         { return req.msg }
func (req *InboundRequest) Headers() *Headers         { return &req.msg.Headers }
func (req *InboundRequest) Method() RequestMethod     { return req.msg.Method }
func (req *InboundRequest) LocalAddr() netip.AddrPort { return req.localAddr }
func (req *InboundRequest) RemoteAddr() netip.AddrPort {
	return req.remoteAddr
}

func (req *InboundRequest) Validate() error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil inbound request"))
	}
	return errtrace.Wrap(req.msg.Validate())
}

func (req *InboundRequest) Clone() *InboundRequest {
	if req == nil {
		return nil
	}
	return &InboundRequest{
		msg:        req.msg.Clone(),
		localAddr:  req.localAddr,
		remoteAddr: req.remoteAddr,
	}
}

// NewResponse builds a response envelope addressed back to the request sender.
func (req *InboundRequest) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*OutboundResponse, error) {
	msg, err := req.msg.NewResponse(sts, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return NewOutboundResponse(msg, req.localAddr, req.remoteAddr), nil
}

func (req *InboundRequest) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("message", req.msg),
		slog.Any("local_addr", req.localAddr),
		slog.Any("remote_addr", req.remoteAddr),
	)
}

// OutboundRequest is a request to be sent to the network together with
// its destination address.
type OutboundRequest struct {
	msg        *Request
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
}

func NewOutboundRequest(msg *Request, localAddr, remoteAddr netip.AddrPort) *OutboundRequest {
	return &OutboundRequest{
		msg:        msg,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
	}
}

func (req *OutboundRequest) Message() *Request          { return req.msg }
func (req *OutboundRequest) Headers() *Headers          { return &req.msg.Headers }
func (req *OutboundRequest) Method() RequestMethod      { return req.msg.Method }
func (req *OutboundRequest) LocalAddr() netip.AddrPort  { return req.localAddr }
func (req *OutboundRequest) RemoteAddr() netip.AddrPort { return req.remoteAddr }

func (req *OutboundRequest) SetLocalAddr(addr netip.AddrPort)  { req.localAddr = addr }
func (req *OutboundRequest) SetRemoteAddr(addr netip.AddrPort) { req.remoteAddr = addr }

func (req *OutboundRequest) Validate() error {
	switch {
	case req == nil:
		return errtrace.Wrap(NewInvalidArgumentError("nil outbound request"))
	case !req.remoteAddr.IsValid():
		return errtrace.Wrap(NewInvalidArgumentError("missing remote address"))
	}
	return errtrace.Wrap(req.msg.Validate())
}

func (req *OutboundRequest) Clone() *OutboundRequest {
	if req == nil {
		return nil
	}
	return &OutboundRequest{
		msg:        req.msg.Clone(),
		localAddr:  req.localAddr,
		remoteAddr: req.remoteAddr,
	}
}

func (req *OutboundRequest) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("message", req.msg),
		slog.Any("local_addr", req.localAddr),
		slog.Any("remote_addr", req.remoteAddr),
	)
}

// InboundResponse is a response received from the network together with
// the addresses it arrived on.
type InboundResponse struct {
	msg        *Response
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
}

func NewInboundResponse(msg *Response, localAddr, remoteAddr netip.AddrPort) *InboundResponse {
	return &InboundResponse{
		msg:        msg,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
	}
}

func (res *InboundResponse) Message() *Response         { return res.msg }
func (res *InboundResponse) Headers() *Headers          { return &res.msg.Headers }
func (res *InboundResponse) Status() ResponseStatus     { return res.msg.Status }
func (res *InboundResponse) LocalAddr() netip.AddrPort  { return res.localAddr }
func (res *InboundResponse) RemoteAddr() netip.AddrPort { return res.remoteAddr }

func (res *InboundResponse) Validate() error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil inbound response"))
	}
	return errtrace.Wrap(res.msg.Validate())
}

func (res *InboundResponse) Clone() *InboundResponse {
	if res == nil {
		return nil
	}
	return &InboundResponse{
		msg:        res.msg.Clone(),
		localAddr:  res.localAddr,
		remoteAddr: res.remoteAddr,
	}
}

func (res *InboundResponse) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("message", res.msg),
		slog.Any("local_addr", res.localAddr),
		slog.Any("remote_addr", res.remoteAddr),
	)
}

// OutboundResponse is a response to be sent to the network together with
// its destination address.
type OutboundResponse struct {
	msg        *Response
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
}

func NewOutboundResponse(msg *Response, localAddr, remoteAddr netip.AddrPort) *OutboundResponse {
	return &OutboundResponse{
		msg:        msg,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
	}
}

func (res *OutboundResponse) Message() *Response         { return res.msg }
func (res *OutboundResponse) Headers() *Headers          { return &res.msg.Headers }
func (res *OutboundResponse) Status() ResponseStatus     { return res.msg.Status }
func (res *OutboundResponse) LocalAddr() netip.AddrPort  { return res.localAddr }
func (res *OutboundResponse) RemoteAddr() netip.AddrPort { return res.remoteAddr }

func (res *OutboundResponse) SetLocalAddr(addr netip.AddrPort)  { res.localAddr = addr }
func (res *OutboundResponse) SetRemoteAddr(addr netip.AddrPort) { res.remoteAddr = addr }

func (res *OutboundResponse) Validate() error {
	switch {
	case res == nil:
		return errtrace.Wrap(NewInvalidArgumentError("nil outbound response"))
	case !res.remoteAddr.IsValid():
		return errtrace.Wrap(NewInvalidArgumentError("missing remote address"))
	}
	return errtrace.Wrap(res.msg.Validate())
}

func (res *OutboundResponse) Clone() *OutboundResponse {
	if res == nil {
		return nil
	}
	return &OutboundResponse{
		msg:        res.msg.Clone(),
		localAddr:  res.localAddr,
		remoteAddr: res.remoteAddr,
	}
}

func (res *OutboundResponse) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("message", res.msg),
		slog.Any("local_addr", res.localAddr),
		slog.Any("remote_addr", res.remoteAddr),
	)
}
