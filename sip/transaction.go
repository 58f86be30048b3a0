package sip

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipward/sipward/internal/types"
)

// TransactionState is a state of a transaction state machine.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateTerminated TransactionState = "terminated"
)

func (s TransactionState) String() string { return string(s) }

// TransactionType identifies one of the four transaction state machines.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

func (t TransactionType) String() string { return string(t) }

// Transaction represents a SIP transaction.
type Transaction interface {
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Context returns the transaction context.
	// The context is canceled when the transaction terminates.
	Context() context.Context
	// Done returns a channel that is closed when the transaction terminates.
	Done() <-chan struct{}
	// Err returns the error the transaction terminated with, if any.
	// Terminating by timeout yields [ErrTransactionTimedOut], a transport
	// failure yields the send error.
	Err() error
	// Terminate terminates the transaction from any state.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a callback to be called on each state transition.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
}

type TransactionStateHandler = func(ctx context.Context, from, to TransactionState)

const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_err"
)

type transactImpl interface {
	Transaction
	slog.LogValuer
}

// baseTransact carries the parts shared by all four transaction machines.
// The FSM fires in queued mode, so triggers fired from actions and callbacks
// are processed after the current transition completes instead of recursing.
type baseTransact struct {
	typ  TransactionType
	impl transactImpl
	fsm  *stateless.StateMachine
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once

	errMu sync.Mutex
	err   error

	onState types.CallbackManager[TransactionStateHandler]
}

func newBaseTransact(ctx context.Context, typ TransactionType, impl transactImpl, logger *slog.Logger) *baseTransact {
	ctx, cancel := context.WithCancel(ctx)
	return &baseTransact{
		typ:    typ,
		impl:   impl,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (tx *baseTransact) initFSM(start TransactionState) error {
	if tx.fsm != nil {
		return errtrace.Wrap(NewInvalidArgumentError("transaction already initialized"))
	}

	fsm := stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())
	fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from, _ := tr.Source.(TransactionState)
		to, _ := tr.Destination.(TransactionState)
		if from == to {
			return
		}
		tx.onState.Range(func(fn TransactionStateHandler) {
			fn(ctx, from, to)
		})
	})
	tx.fsm = fsm
	return nil
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType {
	if tx == nil {
		return ""
	}
	return tx.typ
}

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	st, _ := tx.fsm.MustState().(TransactionState)
	return st
}

// Context returns the transaction context.
func (tx *baseTransact) Context() context.Context { return tx.ctx }

// Done returns a channel that is closed when the transaction terminates.
func (tx *baseTransact) Done() <-chan struct{} { return tx.done }

// Err returns the error the transaction terminated with, if any.
func (tx *baseTransact) Err() error {
	tx.errMu.Lock()
	defer tx.errMu.Unlock()
	return tx.err
}

func (tx *baseTransact) setErr(err error) {
	tx.errMu.Lock()
	tx.err = err
	tx.errMu.Unlock()
}

// Terminate terminates the transaction from any state.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

// OnStateChanged registers a callback to be called on each state transition.
//
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

//nolint:unparam
func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	tx.setErr(errtrace.Wrap(ErrTransactionTimedOut))
	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err := args[0].(error) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction transport error",
		slog.Any("transaction", tx.impl), slog.Any("error", err))

	tx.setErr(err)
	return nil
}

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.doneOnce.Do(func() {
		close(tx.done)
		tx.cancel()
	})
	return nil
}
