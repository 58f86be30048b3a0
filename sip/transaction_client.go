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

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// MatchResponse checks whether the response matches the client transaction.
	MatchResponse(res *InboundResponse) error
	// RecvResponse is called on each inbound response received by the transport layer.
	RecvResponse(ctx context.Context, res *InboundResponse) error
	// OnResponse registers a callback to be called when the transaction receives a response.
	OnResponse(fn TransactionResponseHandler) (cancel func())
}

type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *InboundResponse)

type ClientTransactionStore = TransactionStore[ClientTransactionKey, ClientTransaction]

func NewMemoryClientTransactionStore() ClientTransactionStore {
	return NewMemoryTransactionStore[ClientTransactionKey, ClientTransaction]()
}

type ClientTransactionFactory interface {
	NewClientTransaction(
		ctx context.Context,
		req *OutboundRequest,
		tp ClientTransport,
		opts *ClientTransactionOptions,
	) (ClientTransaction, error)
}

type StdClientTransactionFactory struct{}

var defClnTxFactory = &StdClientTransactionFactory{}

func DefaultClientTransactionFactory() *StdClientTransactionFactory { return defClnTxFactory }

func (*StdClientTransactionFactory) NewClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if req.Method().Equal(RequestMethodInvite) {
		return errtrace.Wrap2(NewInviteClientTransaction(ctx, req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteClientTransaction(ctx, req, tp, opts))
}

const clnTransactCtxKey types.ContextKey = "client_transaction"

func ClientTransactionFromContext(ctx context.Context) (ClientTransaction, bool) {
	tx, ok := ctx.Value(clnTransactCtxKey).(ClientTransaction)
	return tx, ok
}

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Key is the client transaction key that will be used with the transaction.
	// If zero, the transaction will be created with the key automatically filled from the request.
	Key ClientTransactionKey
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings Timings
	// SendOptions are the options that will be used to send the requests.
	SendOptions *SendRequestOptions
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) key() ClientTransactionKey {
	if o == nil {
		return zeroClnTxKey
	}
	return o.Key
}

func (o *ClientTransactionOptions) timings() Timings {
	if o == nil || o.Timings == (Timings{}) {
		return DefaultTimings()
	}
	return o.Timings
}

func (o *ClientTransactionOptions) sendOpts() *SendRequestOptions {
	if o == nil {
		return nil
	}
	return o.SendOptions
}

func (o *ClientTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type clientTransact struct {
	*baseTransact
	key      ClientTransactionKey
	tp       ClientTransport
	timings  Timings
	req      *OutboundRequest
	sendOpts *SendRequestOptions
	lastRes  atomic.Pointer[InboundResponse]

	onRes       types.CallbackManager[TransactionResponseHandler]
	pendingRess types.Deque[*InboundResponse]
}

func newClientTransact(
	typ TransactionType,
	impl clientTransactImpl,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
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

	tx := &clientTransact{
		key:      key,
		tp:       tp,
		timings:  opts.timings(),
		req:      req,
		sendOpts: opts.sendOpts(),
	}
	ctx := context.WithValue(context.Background(), clnTransactCtxKey, impl)
	tx.baseTransact = newBaseTransact(ctx, typ, impl, opts.log())
	return tx, nil
}

type clientTransactImpl interface {
	transactImpl
	ClientTransaction
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
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
func (tx *clientTransact) Key() ClientTransactionKey {
	if tx == nil {
		return zeroClnTxKey
	}
	return tx.key
}

// Request returns the request that created the transaction.
func (tx *clientTransact) Request() *OutboundRequest {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response received by the transaction.
func (tx *clientTransact) LastResponse() *InboundResponse {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// MatchResponse checks whether the response matches the client transaction.
// It implements the matching rules defined in RFC 3261 section 17.1.3.
func (tx *clientTransact) MatchResponse(res *InboundResponse) error {
	var resKey ClientTransactionKey
	if err := resKey.FillFromMessage(res.Message()); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if !tx.key.Equal(resKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvResponse is called on each inbound response received by the transport layer.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *InboundResponse) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case res.Status().IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv1xx, res))
	case res.Status().IsSuccessful():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv300699, res))
	}
}

func (tx *clientTransact) sendReq(ctx context.Context, req *OutboundRequest) error {
	if err := tx.tp.SendRequest(ctx, req, tx.sendOpts); err != nil {
		err = fmt.Errorf("send %q request: %w", req.Method(), err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

func (tx *clientTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, reflect.TypeOf((*InboundResponse)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, reflect.TypeOf((*InboundResponse)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv300699, reflect.TypeOf((*InboundResponse)(nil)))

	return nil
}

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", tx.req))

	tx.sendReq(ctx, tx.req) //nolint:errcheck
	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*InboundResponse) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.pendingRess.Append(res)
	if tx.onRes.Len() > 0 {
		tx.deliverPendingRess()
	}
	return nil
}

func (tx *clientTransact) deliverPendingRess() {
	resps := tx.pendingRess.Drain()
	if len(resps) == 0 {
		return
	}

	tx.onRes.Range(func(fn TransactionResponseHandler) {
		for _, res := range resps {
			fn(tx.ctx, tx.impl.(clientTransactImpl), res)
		}
	})
}

func (tx *clientTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *clientTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))

	return nil
}

// OnResponse registers a callback to be called when the transaction receives a response.
//
// The callback will be called with the transaction's context, see [Transaction.Context].
// Responses received before the first callback registration are buffered and
// delivered on registration in arrival order.
//
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	cancel = tx.onRes.Add(fn)
	tx.deliverPendingRess()
	return cancel
}

// ClientTransactionKey is the key of a client transaction.
// It is used for matching responses to the request that created the transaction.
//
//nolint:recvcheck
type ClientTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// Method of the request that created the transaction.
	Method string
}

var zeroClnTxKey ClientTransactionKey

// FillFromMessage populates the key fields from the given message.
func (k *ClientTransactionKey) FillFromMessage(msg Message) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}
	if err := msg.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	hdrs := msg.MessageHeaders()
	via, _ := hdrs.FirstVia()

	k.Branch, _ = via.Branch()
	k.Method = util.UCase(string(hdrs.CSeq.Method))
	return nil
}

// Equal checks whether the key is equal to another key.
func (k ClientTransactionKey) Equal(val any) bool {
	var other ClientTransactionKey
	switch v := val.(type) {
	case ClientTransactionKey:
		other = v
	case *ClientTransactionKey:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return k.Branch == other.Branch && util.EqFold(k.Method, other.Method)
}

// IsValid checks whether the key is valid.
func (k ClientTransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method != ""
}

// IsZero checks whether the key is zero.
func (k ClientTransactionKey) IsZero() bool {
	return k.Branch == "" && k.Method == ""
}

// LogValue returns a [slog.Value] for the key.
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("branch", k.Branch),
		slog.Any("method", k.Method),
	)
}

func (k ClientTransactionKey) String() string {
	return k.Branch + "|" + util.UCase(k.Method)
}

func GetClientTransactionKey(tx ClientTransaction) (ClientTransactionKey, bool) {
	if v, ok := tx.(interface{ Key() ClientTransactionKey }); ok {
		return v.Key(), true
	}
	return zeroClnTxKey, false
}
