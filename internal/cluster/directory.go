// Package cluster keeps this node's record in the shared cluster directory and
// picks the least loaded node for new connections.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDirectoryUnavailable indicates the cluster directory could not be reached.
	ErrDirectoryUnavailable = errors.New("cluster: directory unavailable")
	// ErrNoAvailableNode indicates that no gateway node is registered.
	ErrNoAvailableNode = errors.New("cluster: no available node")
)

// GatewayNode is one node's record in the cluster directory.
type GatewayNode struct {
	NodeID          string    `json:"nodeId"`
	Address         string    `json:"address,omitempty"`
	OnlineCount     int       `json:"onlineCount"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Directory is a cluster membership backend. Records must disappear on their
// own when a node stops heartbeating.
type Directory interface {
	Register(ctx context.Context, node GatewayNode) error
	Publish(ctx context.Context, node GatewayNode) error
	List(ctx context.Context) ([]GatewayNode, error)
	Deregister(ctx context.Context) error
}

func encodeNode(node GatewayNode) ([]byte, error) {
	return json.Marshal(node)
}

func decodeNode(data []byte) (GatewayNode, error) {
	var node GatewayNode
	if err := json.Unmarshal(data, &node); err != nil {
		return GatewayNode{}, err
	}
	if node.NodeID == "" {
		return GatewayNode{}, errors.New("cluster: node record without nodeId")
	}
	return node, nil
}
