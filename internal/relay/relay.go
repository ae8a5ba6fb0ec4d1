// Package relay carries a single delivery from the node that accepted a
// message to the node holding the recipient's connection.
package relay

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
)

// ErrNodeUnreachable indicates the hop could not reach the target node or got no answer in time.
var ErrNodeUnreachable = errors.New("relay: node unreachable")

// Handler delivers a relayed message on the receiving node and reports
// whether a live write was confirmed.
type Handler func(ctx context.Context, recipientID string, msg messages.Message) bool

// Relay forwards deliveries between gateway nodes.
type Relay interface {
	// Forward asks nodeID to deliver msg to recipientID. A false result with a
	// nil error is a negative acknowledgement.
	Forward(ctx context.Context, nodeID, recipientID string, msg messages.Message) (bool, error)
	// Listen starts serving deliveries addressed to this node.
	Listen(handler Handler) error
	Close() error
}

type deliverRequest struct {
	RecipientID string         `json:"recipientId"`
	Message     messages.Frame `json:"message"`
}

type deliverReply struct {
	Delivered bool `json:"delivered"`
}

// Request outcome labels.
const (
	resultDelivered = "delivered"
	resultNack      = "nack"
	resultError     = "error"
)
