// Package directory holds the collaborator services the gateway consults while
// routing: group membership, user presence and blacklist, and message history.
package directory

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
)

// GroupDirectory resolves group membership.
type GroupDirectory interface {
	Members(ctx context.Context, groupID string) ([]string, error)
}

// UserDirectory records presence and answers blacklist and location queries.
type UserDirectory interface {
	SetOnlineStatus(ctx context.Context, userID string, online bool, nodeID string) error
	IsBlocked(ctx context.Context, ownerID, otherID string) (bool, error)
	// CurrentNode reports the node a user was last bound on and whether the
	// user is currently recorded as online.
	CurrentNode(ctx context.Context, userID string) (string, bool, error)
}

// MessageStore persists message history.
type MessageStore interface {
	Append(ctx context.Context, msg messages.Message) error
	MarkRead(ctx context.Context, messageID string) error
}

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}
