package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/sipward/sipward/internal/errorutil"
	"github.com/sipward/sipward/internal/types"
	"github.com/sipward/sipward/log"
)

// TransactionManagerOptions are the options for a [TransactionManager].
type TransactionManagerOptions struct {
	// ServerTransactionFactory is the server transaction factory.
	// If nil, a [NewServerTransaction] is used.
	ServerTransactionFactory ServerTransactionFactory
	// ServerTransactionStore is the server transaction store.
	// If nil, a [NewMemoryServerTransactionStore] is used.
	ServerTransactionStore ServerTransactionStore
	// ClientTransactionFactory is the client transaction factory.
	// If nil, a [NewClientTransaction] is used.
	ClientTransactionFactory ClientTransactionFactory
	// ClientTransactionStore is the client transaction store.
	// If nil, a [NewMemoryClientTransactionStore] is used.
	ClientTransactionStore ClientTransactionStore
	// Timings is the SIP timing config applied to transactions created by the manager.
	// If zero, the default SIP timing config is used.
	Timings Timings
	// StaleTransactionTimeout is the timeout for stale transactions.
	// Client INVITE transaction in proceeding, server transaction in trying/proceeding
	// states after this timeout are considered stale and will be terminated to prevent
	// memory leaks.
	// If 0, 5 minutes is used. If negative, stale transactions are never terminated.
	StaleTransactionTimeout time.Duration
	// Logger is the logger.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *TransactionManagerOptions) srvTxFactory() ServerTransactionFactory {
	if o == nil || o.ServerTransactionFactory == nil {
		return defSrvTxFactory
	}
	return o.ServerTransactionFactory
}

func (o *TransactionManagerOptions) srvTxStore() ServerTransactionStore {
	if o == nil || o.ServerTransactionStore == nil {
		return NewMemoryServerTransactionStore()
	}
	return o.ServerTransactionStore
}

func (o *TransactionManagerOptions) clnTxFactory() ClientTransactionFactory {
	if o == nil || o.ClientTransactionFactory == nil {
		return defClnTxFactory
	}
	return o.ClientTransactionFactory
}

func (o *TransactionManagerOptions) clnTxStore() ClientTransactionStore {
	if o == nil || o.ClientTransactionStore == nil {
		return NewMemoryClientTransactionStore()
	}
	return o.ClientTransactionStore
}

func (o *TransactionManagerOptions) timings() Timings {
	if o == nil || o.Timings == (Timings{}) {
		return DefaultTimings()
	}
	return o.Timings
}

func (o *TransactionManagerOptions) staleTxTimeout() time.Duration {
	if o == nil || o.StaleTransactionTimeout == 0 {
		return 5 * time.Minute
	}
	return o.StaleTransactionTimeout
}

func (o *TransactionManagerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// TransactionManager routes messages between the transport layer and
// transactions: it matches inbound messages to existing transactions,
// creates new transactions, and surfaces transaction activity to the
// transaction user through [TransactionManager.OnEvent].
type TransactionManager struct {
	tp             Transport
	srvTxsStore    ServerTransactionStore
	srvTxFactory   ServerTransactionFactory
	clnTxsStore    ClientTransactionStore
	clnTxFactory   ClientTransactionFactory
	timings        Timings
	staleTxTimeout time.Duration
	log            *slog.Logger

	onEvent types.CallbackManager[TransactionEventHandler]

	cancelsMu sync.Mutex
	cancels   map[ClientTransactionKey]ClientTransactionKey

	closing   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTransactionManager creates a new [TransactionManager] sending messages
// through the given transport.
// Options are optional, if nil, default values are used (see [TransactionManagerOptions]).
func NewTransactionManager(tp Transport, opts *TransactionManagerOptions) (*TransactionManager, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	return &TransactionManager{
		tp:             tp,
		srvTxsStore:    opts.srvTxStore(),
		srvTxFactory:   opts.srvTxFactory(),
		clnTxsStore:    opts.clnTxStore(),
		clnTxFactory:   opts.clnTxFactory(),
		timings:        opts.timings(),
		staleTxTimeout: opts.staleTxTimeout(),
		log:            opts.log(),
		cancels:        make(map[ClientTransactionKey]ClientTransactionKey),
	}, nil
}

// OnEvent binds a callback to be called on each transaction event.
// The callback can be unbound by calling the returned unbind function.
func (txm *TransactionManager) OnEvent(fn TransactionEventHandler) (unbind func()) {
	return txm.onEvent.Add(fn)
}

func (txm *TransactionManager) publish(ctx context.Context, evt TransactionEvent) {
	txm.onEvent.Range(func(fn TransactionEventHandler) {
		fn(ctx, evt)
	})
}

// NewClientTransaction creates a client transaction for the request and
// sends the request through the manager's transport.
func (txm *TransactionManager) NewClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if txm.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	tx, err := txm.clnTxFactory.NewClientTransaction(ctx, req, txm.tp, txm.clnTxOpts(opts))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key, _ := GetClientTransactionKey(tx)
	if err = txm.clnTxsStore.Store(ctx, key, tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	tx.OnStateChanged(txm.clnTxStateHdlr(tx, key))
	tx.OnResponse(txm.clnTxResHdlr(key))
	return tx, nil
}

func (txm *TransactionManager) clnTxOpts(opts *ClientTransactionOptions) *ClientTransactionOptions {
	eff := ClientTransactionOptions{}
	if opts != nil {
		eff = *opts
	}
	if eff.Timings == (Timings{}) {
		eff.Timings = txm.timings
	}
	if eff.Log == nil {
		eff.Log = txm.log
	}
	return &eff
}

func (txm *TransactionManager) srvTxOpts(opts *ServerTransactionOptions) *ServerTransactionOptions {
	eff := ServerTransactionOptions{}
	if opts != nil {
		eff = *opts
	}
	if eff.Timings == (Timings{}) {
		eff.Timings = txm.timings
	}
	if eff.Log == nil {
		eff.Log = txm.log
	}
	return &eff
}

func (txm *TransactionManager) clnTxStateHdlr(tx ClientTransaction, key ClientTransactionKey) TransactionStateHandler {
	var staleTmr *time.Timer
	return func(ctx context.Context, from, to TransactionState) {
		if tx.Type() == TransactionTypeClientInvite && txm.staleTxTimeout > 0 {
			if to == TransactionStateProceeding || to == TransactionStateAccepted {
				staleTmr = time.AfterFunc(txm.staleTxTimeout, func() {
					tx.Terminate(ctx) //nolint:errcheck
				})
			} else if staleTmr != nil {
				staleTmr.Stop()
			}
		}

		txm.publish(ctx, StateChangedEvent{ID: ClientTransactionID(key), From: from, To: to})

		if to != TransactionStateTerminated {
			return
		}

		if err := txm.clnTxsStore.Delete(ctx, key); err != nil && !errors.Is(err, ErrTransactionNotFound) {
			txm.log.LogAttrs(ctx, slog.LevelError,
				"failed to delete client transaction from store",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}

		txErr := tx.Err()
		switch {
		case errors.Is(txErr, ErrTransactionTimedOut):
			txm.publishTimeout(ctx, tx, key)
		case txErr != nil:
			txm.publish(ctx, TransportErrorEvent{ID: ClientTransactionID(key), Err: txErr})
		}
		txm.publish(ctx, TransactionTerminatedEvent{ID: ClientTransactionID(key), Err: txErr})

		txm.dropCancel(key)
	}
}

// publishTimeout surfaces a client transaction timeout to the transaction
// user as a locally generated 408 final response.
func (txm *TransactionManager) publishTimeout(ctx context.Context, tx ClientTransaction, key ClientTransactionKey) {
	v, ok := tx.(interface{ Request() *OutboundRequest })
	if !ok {
		return
	}
	req := v.Request()

	msg, err := req.Message().NewResponse(ResponseStatusRequestTimeout, nil)
	if err != nil {
		txm.log.LogAttrs(ctx, slog.LevelError,
			"failed to build timeout response",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		return
	}

	txm.publish(ctx, FailureResponseEvent{
		Key:           key,
		Response:      NewInboundResponse(msg, req.LocalAddr(), req.RemoteAddr()),
		RelatedCancel: txm.relatedCancel(key),
	})
}

func (txm *TransactionManager) clnTxResHdlr(key ClientTransactionKey) TransactionResponseHandler {
	return func(ctx context.Context, _ ClientTransaction, res *InboundResponse) {
		switch {
		case res.Status().IsProvisional():
			txm.publish(ctx, ProvisionalResponseEvent{Key: key, Response: res})
		case res.Status().IsSuccessful():
			txm.publish(ctx, SuccessResponseEvent{Key: key, Response: res})
		default:
			txm.publish(ctx, FailureResponseEvent{
				Key:           key,
				Response:      res,
				RelatedCancel: txm.relatedCancel(key),
			})
		}
	}
}

// NewServerTransaction creates a server transaction for the inbound request.
func (txm *TransactionManager) NewServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if txm.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	tx, err := txm.srvTxFactory.NewServerTransaction(ctx, req, txm.tp, txm.srvTxOpts(opts))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key, _ := GetServerTransactionKey(tx)
	if err = txm.srvTxsStore.Store(ctx, key, tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	tx.OnStateChanged(txm.srvTxStateHdlr(tx, key))
	return tx, nil
}

func (txm *TransactionManager) srvTxStateHdlr(tx ServerTransaction, key ServerTransactionKey) TransactionStateHandler {
	var staleTmr *time.Timer
	return func(ctx context.Context, from, to TransactionState) {
		if txm.staleTxTimeout > 0 {
			if to == TransactionStateTrying || to == TransactionStateProceeding {
				staleTmr = time.AfterFunc(txm.staleTxTimeout, func() {
					tx.Terminate(ctx) //nolint:errcheck
				})
			} else if staleTmr != nil {
				staleTmr.Stop()
			}
		}

		txm.publish(ctx, StateChangedEvent{ID: ServerTransactionID(key), From: from, To: to})

		if to != TransactionStateTerminated {
			return
		}

		if err := txm.srvTxsStore.Delete(ctx, key); err != nil && !errors.Is(err, ErrTransactionNotFound) {
			txm.log.LogAttrs(ctx, slog.LevelError,
				"failed to delete server transaction from store",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}

		txErr := tx.Err()
		if txErr != nil && !errors.Is(txErr, ErrTransactionTimedOut) {
			txm.publish(ctx, TransportErrorEvent{ID: ServerTransactionID(key), Err: txErr})
		}
		txm.publish(ctx, TransactionTerminatedEvent{ID: ServerTransactionID(key), Err: txErr})
	}
}

// HandleRequest dispatches an inbound request from the transport layer.
//
// A request matching an existing server transaction is absorbed by it.
// An unmatched ACK is surfaced as a [StrayRequestEvent]: an ACK for a 2xx
// carries a new branch and belongs to the transaction user. Any other
// unmatched request creates a new server transaction announced with a
// [NewRequestEvent].
func (txm *TransactionManager) HandleRequest(ctx context.Context, req *InboundRequest) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	var key ServerTransactionKey
	if err := key.FillFromMessage(req.Message()); err != nil {
		if req.Message() != nil && !req.Method().Equal(RequestMethodAck) && req.Message().Validate() == nil {
			RespondStateless(ctx, txm.tp, req, ResponseStatusBadRequest, nil, txm.log)
		}
		return errtrace.Wrap(err)
	}

	tx, err := txm.srvTxsStore.Load(ctx, key)
	if err == nil {
		return errtrace.Wrap(tx.RecvRequest(ctx, req))
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return errtrace.Wrap(err)
	}

	if req.Method().Equal(RequestMethodAck) {
		txm.publish(ctx, StrayRequestEvent{Request: req})
		return nil
	}

	if txm.closing.Load() {
		RespondStateless(ctx, txm.tp, req, ResponseStatusServiceUnavailable, nil, txm.log)
		return errtrace.Wrap(ErrTransactionManagerClosed)
	}

	newTx, err := txm.NewServerTransaction(ctx, req, nil)
	if err != nil {
		if !errors.Is(err, ErrTransactionExists) {
			RespondStateless(ctx, txm.tp, req, ResponseStatusInternalError, nil, txm.log)
		}
		return errtrace.Wrap(err)
	}

	evt := NewRequestEvent{Key: key, Transaction: newTx, Request: req}
	if req.Method().Equal(RequestMethodCancel) {
		evt.RelatedInvite = txm.relatedInvite(ctx, key)
	}
	txm.publish(ctx, evt)
	return nil
}

// relatedInvite returns the key of the INVITE server transaction targeted
// by a CANCEL with the given key, RFC 3261 section 9.2.
func (txm *TransactionManager) relatedInvite(ctx context.Context, cancelKey ServerTransactionKey) ServerTransactionKey {
	inviteKey := cancelKey
	inviteKey.Method = string(RequestMethodInvite)

	if _, err := txm.srvTxsStore.Load(ctx, inviteKey); err != nil {
		return zeroSrvTxKey
	}
	return inviteKey
}

// HandleResponse dispatches an inbound response from the transport layer.
// An unmatched response is surfaced as a [StrayResponseEvent].
func (txm *TransactionManager) HandleResponse(ctx context.Context, res *InboundResponse) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	var key ClientTransactionKey
	if err := key.FillFromMessage(res.Message()); err != nil {
		return errtrace.Wrap(err)
	}

	tx, err := txm.clnTxsStore.Load(ctx, key)
	if err == nil {
		return errtrace.Wrap(tx.RecvResponse(ctx, res))
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return errtrace.Wrap(err)
	}

	txm.publish(ctx, StrayResponseEvent{Response: res})
	return nil
}

// Respond sends a response on the server transaction with the given key.
func (txm *TransactionManager) Respond(
	ctx context.Context,
	key ServerTransactionKey,
	sts ResponseStatus,
	opts *RespondOptions,
) error {
	tx, err := txm.srvTxsStore.Load(ctx, key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.Respond(ctx, sts, opts))
}

// CancelInviteTransaction builds and sends a CANCEL for the unanswered
// INVITE client transaction with the given key, RFC 3261 section 9.1.
// The CANCEL forms its own client transaction whose key is returned.
// Failure responses of the INVITE transaction carry the CANCEL key in
// [FailureResponseEvent.RelatedCancel].
func (txm *TransactionManager) CancelInviteTransaction(
	ctx context.Context,
	inviteKey ClientTransactionKey,
) (ClientTransactionKey, error) {
	if txm.closing.Load() {
		return zeroClnTxKey, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	tx, err := txm.clnTxsStore.Load(ctx, inviteKey)
	if err != nil {
		return zeroClnTxKey, errtrace.Wrap(err)
	}
	itx, ok := tx.(*InviteClientTransaction)
	if !ok {
		return zeroClnTxKey, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if st := itx.State(); st != TransactionStateCalling && st != TransactionStateProceeding {
		return zeroClnTxKey, errtrace.Wrap(NewTransactionStateError(st))
	}

	inv := itx.Request()
	msg, err := NewCancelRequest(inv.Message())
	if err != nil {
		return zeroClnTxKey, errtrace.Wrap(err)
	}

	cancelTx, err := txm.NewClientTransaction(ctx, NewOutboundRequest(msg, inv.LocalAddr(), inv.RemoteAddr()), nil)
	if err != nil {
		return zeroClnTxKey, errtrace.Wrap(err)
	}

	cancelKey, _ := GetClientTransactionKey(cancelTx)
	txm.cancelsMu.Lock()
	txm.cancels[inviteKey] = cancelKey
	txm.cancelsMu.Unlock()

	return cancelKey, nil
}

func (txm *TransactionManager) relatedCancel(inviteKey ClientTransactionKey) ClientTransactionKey {
	txm.cancelsMu.Lock()
	defer txm.cancelsMu.Unlock()
	return txm.cancels[inviteKey]
}

func (txm *TransactionManager) dropCancel(inviteKey ClientTransactionKey) {
	txm.cancelsMu.Lock()
	delete(txm.cancels, inviteKey)
	txm.cancelsMu.Unlock()
}

// CreateAckFor2xx builds an ACK for a 2xx response received by the INVITE
// client transaction with the given key. The ACK is not sent.
func (txm *TransactionManager) CreateAckFor2xx(
	ctx context.Context,
	key ClientTransactionKey,
	res *InboundResponse,
	ruri string,
) (*OutboundRequest, error) {
	itx, err := txm.loadInviteClientTransaction(ctx, key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(itx.AckFor2xx(res, ruri))
}

// SendAckFor2xx builds and sends the ACK for a 2xx response received by the
// INVITE client transaction with the given key, terminating the transaction.
func (txm *TransactionManager) SendAckFor2xx(
	ctx context.Context,
	key ClientTransactionKey,
	res *InboundResponse,
	ruri string,
) error {
	itx, err := txm.loadInviteClientTransaction(ctx, key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(itx.SendAckFor2xx(ctx, res, ruri))
}

func (txm *TransactionManager) loadInviteClientTransaction(
	ctx context.Context,
	key ClientTransactionKey,
) (*InviteClientTransaction, error) {
	tx, err := txm.clnTxsStore.Load(ctx, key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	itx, ok := tx.(*InviteClientTransaction)
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	return itx, nil
}

// LoadClientTransaction returns the client transaction with the given key.
func (txm *TransactionManager) LoadClientTransaction(
	ctx context.Context,
	key ClientTransactionKey,
) (ClientTransaction, error) {
	return errtrace.Wrap2(txm.clnTxsStore.Load(ctx, key))
}

// LoadServerTransaction returns the server transaction with the given key.
func (txm *TransactionManager) LoadServerTransaction(
	ctx context.Context,
	key ServerTransactionKey,
) (ServerTransaction, error) {
	return errtrace.Wrap2(txm.srvTxsStore.Load(ctx, key))
}

// ClientTransactionState returns the state of the client transaction with the given key.
func (txm *TransactionManager) ClientTransactionState(
	ctx context.Context,
	key ClientTransactionKey,
) (TransactionState, error) {
	tx, err := txm.clnTxsStore.Load(ctx, key)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	return tx.State(), nil
}

// ServerTransactionState returns the state of the server transaction with the given key.
func (txm *TransactionManager) ServerTransactionState(
	ctx context.Context,
	key ServerTransactionKey,
) (TransactionState, error) {
	tx, err := txm.srvTxsStore.Load(ctx, key)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	return tx.State(), nil
}

// HasClientTransaction reports whether a client transaction with the given key exists.
func (txm *TransactionManager) HasClientTransaction(ctx context.Context, key ClientTransactionKey) bool {
	_, err := txm.clnTxsStore.Load(ctx, key)
	return err == nil
}

// HasServerTransaction reports whether a server transaction with the given key exists.
func (txm *TransactionManager) HasServerTransaction(ctx context.Context, key ServerTransactionKey) bool {
	_, err := txm.srvTxsStore.Load(ctx, key)
	return err == nil
}

// Close terminates all in-flight transactions and rejects further work
// with [ErrTransactionManagerClosed].
func (txm *TransactionManager) Close(ctx context.Context) error {
	txm.closeOnce.Do(func() {
		txm.closing.Store(true)
		txm.closeErr = txm.close(ctx)
	})
	return errtrace.Wrap(txm.closeErr)
}

func (txm *TransactionManager) close(ctx context.Context) error {
	if txm.closed.Load() {
		return nil
	}

	var errs []error
	if txs, err := txm.clnTxsStore.All(ctx); err == nil {
		for key, tx := range txs {
			if err := tx.Terminate(ctx); err != nil {
				errs = append(errs, fmt.Errorf("terminate client transaction %q: %w", key, err))
			}
		}
	} else {
		errs = append(errs, fmt.Errorf("load client transactions: %w", err))
	}

	if txs, err := txm.srvTxsStore.All(ctx); err == nil {
		for key, tx := range txs {
			if err := tx.Terminate(ctx); err != nil {
				errs = append(errs, fmt.Errorf("terminate server transaction %q: %w", key, err))
			}
		}
	} else {
		errs = append(errs, fmt.Errorf("load server transactions: %w", err))
	}

	txm.closed.Store(true)

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction manager:", errs...))
}
