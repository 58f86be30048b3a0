package sip

import (
	"context"
	"log/slog"
	"time"
)

// ClientTransport sends requests towards the network.
type ClientTransport interface {
	SendRequest(ctx context.Context, req *OutboundRequest, opts *SendRequestOptions) error
}

// ServerTransport sends responses towards the network.
type ServerTransport interface {
	SendResponse(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error
}

// Transport is a bidirectional message transport.
type Transport interface {
	ClientTransport
	ServerTransport
}

// ReliableTransport is implemented by transports that guarantee delivery,
// such as TCP or TLS. Retransmission timers are not armed and wait states
// collapse for such transports.
type ReliableTransport interface {
	Reliable() bool
}

// IsReliableTransport reports whether the transport guarantees delivery.
// Transports that do not implement ReliableTransport are assumed unreliable.
func IsReliableTransport(tp any) bool {
	rt, ok := tp.(ReliableTransport)
	return ok && rt.Reliable()
}

type SendRequestOptions struct {
	Timeout time.Duration
}

func (opts *SendRequestOptions) Clone() *SendRequestOptions {
	if opts == nil {
		return nil
	}
	cl := *opts
	return &cl
}

type SendResponseOptions struct {
	Timeout time.Duration
}

func (opts *SendResponseOptions) Clone() *SendResponseOptions {
	if opts == nil {
		return nil
	}
	cl := *opts
	return &cl
}

// RespondStateless sends a response to the request outside of any transaction.
// Send failures are logged and swallowed.
func RespondStateless(
	ctx context.Context,
	tp ServerTransport,
	req *InboundRequest,
	sts ResponseStatus,
	opts *ResponseOptions,
	logger *slog.Logger,
) {
	res, err := req.NewResponse(sts, opts)
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "build stateless response",
			slog.Any("request", req), slog.Any("error", err))
		return
	}
	if err := tp.SendResponse(ctx, res, nil); err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "send stateless response",
			slog.Any("response", res), slog.Any("error", err))
	}
}
