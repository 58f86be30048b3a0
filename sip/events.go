package sip

import (
	"context"
	"log/slog"
)

// TransactionRole tells whether a transaction identifier belongs to a
// client or a server transaction.
type TransactionRole string

const (
	TransactionRoleClient TransactionRole = "client"
	TransactionRoleServer TransactionRole = "server"
)

// TransactionID identifies a transaction of either role.
type TransactionID struct {
	Role   TransactionRole
	Branch string
	// SentBy is set for server transactions only.
	SentBy string
	Method string
}

func ClientTransactionID(key ClientTransactionKey) TransactionID {
	return TransactionID{
		Role:   TransactionRoleClient,
		Branch: key.Branch,
		Method: key.Method,
	}
}

func ServerTransactionID(key ServerTransactionKey) TransactionID {
	return TransactionID{
		Role:   TransactionRoleServer,
		Branch: key.Branch,
		SentBy: key.SentBy,
		Method: key.Method,
	}
}

func (id TransactionID) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Any("role", id.Role),
		slog.Any("branch", id.Branch),
		slog.Any("method", id.Method),
	}
	if id.SentBy != "" {
		attrs = append(attrs, slog.Any("sent-by", id.SentBy))
	}
	return slog.GroupValue(attrs...)
}

// TransactionEvent is an event emitted by a [TransactionManager] towards
// the transaction user.
type TransactionEvent interface {
	transactionEvent()
}

type TransactionEventHandler = func(ctx context.Context, evt TransactionEvent)

// NewRequestEvent is emitted when an inbound request created a new server
// transaction. The transaction user owns responding on the transaction.
type NewRequestEvent struct {
	Key         ServerTransactionKey
	Transaction ServerTransaction
	Request     *InboundRequest
	// RelatedInvite is the key of the INVITE server transaction a CANCEL
	// request targets, zero when the request is not a CANCEL or no such
	// transaction exists.
	RelatedInvite ServerTransactionKey
}

// ProvisionalResponseEvent is emitted when a client transaction receives
// a 1xx response.
type ProvisionalResponseEvent struct {
	Key      ClientTransactionKey
	Response *InboundResponse
}

// SuccessResponseEvent is emitted when a client transaction receives
// a 2xx response, including 2xx retransmits of an accepted INVITE.
type SuccessResponseEvent struct {
	Key      ClientTransactionKey
	Response *InboundResponse
}

// FailureResponseEvent is emitted when a client transaction receives a
// 300-699 response, or with a locally generated 408 when it times out.
type FailureResponseEvent struct {
	Key      ClientTransactionKey
	Response *InboundResponse
	// RelatedCancel is the key of the CANCEL client transaction created by
	// [TransactionManager.CancelInviteTransaction] for this INVITE, if any.
	RelatedCancel ClientTransactionKey
}

// StateChangedEvent is emitted on every transaction state transition.
type StateChangedEvent struct {
	ID   TransactionID
	From TransactionState
	To   TransactionState
}

// TransactionTerminatedEvent is emitted when a transaction reaches the
// terminated state and is removed from its store.
type TransactionTerminatedEvent struct {
	ID TransactionID
	// Err is the terminal error, if any. See [Transaction.Err].
	Err error
}

// TransportErrorEvent is emitted when a transaction terminates due to a
// transport send failure.
type TransportErrorEvent struct {
	ID  TransactionID
	Err error
}

// StrayRequestEvent is emitted for an inbound request that matched no
// server transaction and created none, such as an ACK for a 2xx response.
type StrayRequestEvent struct {
	Request *InboundRequest
}

// StrayResponseEvent is emitted for an inbound response that matched no
// client transaction.
type StrayResponseEvent struct {
	Response *InboundResponse
}

func (NewRequestEvent) transactionEvent()            {}
func (ProvisionalResponseEvent) transactionEvent()   {}
func (SuccessResponseEvent) transactionEvent()       {}
func (FailureResponseEvent) transactionEvent()       {}
func (StateChangedEvent) transactionEvent()          {}
func (TransactionTerminatedEvent) transactionEvent() {}
func (TransportErrorEvent) transactionEvent()        {}
func (StrayRequestEvent) transactionEvent()          {}
func (StrayResponseEvent) transactionEvent()         {}
