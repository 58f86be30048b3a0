package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/sipward/sipward/internal/types"
	"github.com/sipward/sipward/internal/util"
	"github.com/sipward/sipward/log"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// MatchRequest checks whether the request matches the server transaction.
	MatchRequest(req *InboundRequest) error
	// RecvRequest receives a request from the transport layer.
	RecvRequest(ctx context.Context, req *InboundRequest) error
	// Respond sends a response to the remote address with specified options.
	Respond(ctx context.Context, sts ResponseStatus, opts *RespondOptions) error
}

type TransactionRequestHandler = func(ctx context.Context, tx ServerTransaction, req *InboundRequest)

type RequestHandler = func(ctx context.Context, req *InboundRequest)

type ServerTransactionStore = TransactionStore[ServerTransactionKey, ServerTransaction]

func NewMemoryServerTransactionStore() ServerTransactionStore {
	return NewMemoryTransactionStore[ServerTransactionKey, ServerTransaction]()
}

type ServerTransactionFactory interface {
	NewServerTransaction(
		ctx context.Context,
		req *InboundRequest,
		tp ServerTransport,
		opts *ServerTransactionOptions,
	) (ServerTransaction, error)
}

type StdServerTransactionFactory struct{}

var defSrvTxFactory = &StdServerTransactionFactory{}

func DefaultServerTransactionFactory() *StdServerTransactionFactory { return defSrvTxFactory }

func (*StdServerTransactionFactory) NewServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if req.Method().Equal(RequestMethodInvite) {
		return errtrace.Wrap2(NewInviteServerTransaction(ctx, req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTransaction(ctx, req, tp, opts))
}

const srvTransactCtxKey types.ContextKey = "server_transaction"

func ServerTransactionFromContext(ctx context.Context) (ServerTransaction, bool) {
	tx, ok := ctx.Value(srvTransactCtxKey).(ServerTransaction)
	return tx, ok
}

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
	// Key is the server transaction key that will be used with the transaction.
	// If zero, the transaction will be created with the key automatically filled from the request.
	Key ServerTransactionKey
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings Timings
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ServerTransactionOptions) key() ServerTransactionKey {
	if o == nil {
		return zeroSrvTxKey
	}
	return o.Key
}

func (o *ServerTransactionOptions) timings() Timings {
	if o == nil || o.Timings == (Timings{}) {
		return DefaultTimings()
	}
	return o.Timings
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// RespondOptions customizes a response sent by a server transaction.
type RespondOptions struct {
	// Response options are used to build the response from the transaction request.
	Response *ResponseOptions
	// SendOptions are used to send the response to the transport layer.
	SendOptions *SendResponseOptions
}

func (o *RespondOptions) resOpts() *ResponseOptions {
	if o == nil {
		return nil
	}
	return o.Response
}

func (o *RespondOptions) sendOpts() *SendResponseOptions {
	if o == nil {
		return nil
	}
	return o.SendOptions
}

type serverTransact struct {
	*baseTransact
	key      ServerTransactionKey
	tp       ServerTransport
	timings  Timings
	req      *InboundRequest
	lastRes  atomic.Pointer[OutboundResponse]
	sendOpts atomic.Pointer[SendResponseOptions]
}

func newServerTransact(
	typ TransactionType,
	impl serverTransactImpl,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	key := opts.key()
	if !key.IsValid() {
		if err := key.FillFromMessage(req.Message()); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	tx := &serverTransact{
		key:     key,
		tp:      tp,
		timings: opts.timings(),
		req:     req,
	}
	ctx := context.WithValue(context.Background(), srvTransactCtxKey, impl)
	tx.baseTransact = newBaseTransact(ctx, typ, impl, opts.log())
	return tx, nil
}

type serverTransactImpl interface {
	transactImpl
	ServerTransaction
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// Key returns the transaction key.
func (tx *serverTransact) Key() ServerTransactionKey {
	if tx == nil {
		return zeroSrvTxKey
	}
	return tx.key
}

// Request returns the initial request that started this transaction.
func (tx *serverTransact) Request() *InboundRequest {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *OutboundResponse {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// MatchRequest checks whether the request matches the server transaction.
// It implements the matching rules defined in RFC 3261 section 17.2.3.
func (tx *serverTransact) MatchRequest(req *InboundRequest) error {
	var reqKey ServerTransactionKey
	if err := reqKey.FillFromMessage(req.Message()); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if !tx.key.Equal(reqKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvRequest is called on each inbound request received by the transport layer.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *InboundRequest) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}

	if v, ok := tx.impl.(interface {
		recvReq(ctx context.Context, req *InboundRequest) error
	}); ok {
		return errtrace.Wrap(v.recvReq(ctx, req))
	}
	return errtrace.Wrap(tx.recvReq(ctx, req))
}

func (tx *serverTransact) recvReq(ctx context.Context, req *InboundRequest) error {
	if !tx.req.Method().Equal(req.Method()) {
		return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq, req))
}

// Respond sends a response to the remote address with specified options.
// The response is built from the transaction request and passed to the
// transport layer by the transaction's FSM.
func (tx *serverTransact) Respond(ctx context.Context, sts ResponseStatus, opts *RespondOptions) error {
	res, err := tx.req.NewResponse(sts, opts.resOpts())
	if err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case res.Status().IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend1xx, res, opts.sendOpts()))
	case res.Status().IsSuccessful():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend2xx, res, opts.sendOpts()))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend300699, res, opts.sendOpts()))
	}
}

func (tx *serverTransact) sendRes(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error {
	if err := tx.tp.SendResponse(ctx, res, opts); err != nil {
		err = fmt.Errorf("send %q response: %w", res.Status(), err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

func (tx *serverTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*InboundRequest)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend1xx,
		reflect.TypeOf((*OutboundResponse)(nil)),
		reflect.TypeOf((*SendResponseOptions)(nil)),
	)
	tx.fsm.SetTriggerParameters(txEvtSend2xx,
		reflect.TypeOf((*OutboundResponse)(nil)),
		reflect.TypeOf((*SendResponseOptions)(nil)),
	)
	tx.fsm.SetTriggerParameters(txEvtSend300699,
		reflect.TypeOf((*OutboundResponse)(nil)),
		reflect.TypeOf((*SendResponseOptions)(nil)),
	)

	return nil
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*OutboundResponse)     //nolint:forcetypeassert
	opts := args[1].(*SendResponseOptions) //nolint:forcetypeassert
	defer func() {
		tx.lastRes.Store(res)
		tx.sendOpts.Store(opts.Clone())
	}()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res, opts) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.LastResponse()
	if res == nil {
		return nil
	}
	opts := tx.sendOpts.Load()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res, opts) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *serverTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))

	return nil
}

// ServerTransactionKey is a key used to identify a server transaction.
// It implements the matching rules defined in RFC 3261 section 17.2.3:
// the branch and sent-by of the topmost Via plus the CSeq method, with
// ACK matching the INVITE transaction it acknowledges.
//
//nolint:recvcheck
type ServerTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// Host and port of the topmost Via header field.
	SentBy string
	// Method of the request that created the transaction.
	Method string
}

var zeroSrvTxKey ServerTransactionKey

// FillFromMessage populates the key fields from the given message.
// The method of an ACK request folds to INVITE so that the ACK matches
// the INVITE server transaction.
func (k *ServerTransactionKey) FillFromMessage(msg Message) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}
	if err := msg.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	hdrs := msg.MessageHeaders()
	via, _ := hdrs.FirstVia()

	branch, _ := via.Branch()
	if !IsRFC3261Branch(branch) {
		return errtrace.Wrap(NewMalformedMessageError("missing magic cookie in branch"))
	}

	k.Branch = branch
	k.SentBy = util.LCase(via.SentBy)
	k.Method = util.UCase(string(hdrs.CSeq.Method))

	if util.EqFold(k.Method, string(RequestMethodAck)) {
		k.Method = string(RequestMethodInvite)
	}

	return nil
}

// Equal checks whether the key is equal to another key.
func (k ServerTransactionKey) Equal(val any) bool {
	var other ServerTransactionKey
	switch v := val.(type) {
	case ServerTransactionKey:
		other = v
	case *ServerTransactionKey:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return k.Branch == other.Branch &&
		util.EqFold(k.SentBy, other.SentBy) &&
		util.EqFold(k.Method, other.Method)
}

// IsValid checks whether the key is valid.
func (k ServerTransactionKey) IsValid() bool {
	return IsRFC3261Branch(k.Branch) && k.SentBy != "" && k.Method != ""
}

// IsZero checks whether the key is zero.
func (k ServerTransactionKey) IsZero() bool {
	return k.Branch == "" && k.SentBy == "" && k.Method == ""
}

// LogValue returns a [slog.Value] for the key.
func (k ServerTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("branch", k.Branch),
		slog.Any("sent-by", k.SentBy),
		slog.Any("method", k.Method),
	)
}

func (k ServerTransactionKey) String() string {
	return k.Branch + "|" + util.LCase(k.SentBy) + "|" + util.UCase(k.Method)
}

func GetServerTransactionKey(tx ServerTransaction) (ServerTransactionKey, bool) {
	if v, ok := tx.(interface{ Key() ServerTransactionKey }); ok {
		return v.Key(), true
	}
	return zeroSrvTxKey, false
}
