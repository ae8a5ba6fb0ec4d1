package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// etcdKV is the subset of *clientv3.Client the directory needs.
type etcdKV interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdConfig describes an etcd-backed directory.
type EtcdConfig struct {
	Client   etcdKV
	Prefix   string
	LeaseTTL time.Duration
	Logger   *zap.Logger
}

// EtcdDirectory stores each node under <prefix>/<nodeId>, bound to a lease so
// the record expires when heartbeats stop.
type EtcdDirectory struct {
	client   etcdKV
	prefix   string
	leaseTTL int64
	logger   *zap.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	key     string
}

// DialEtcd connects to the etcd endpoints.
func DialEtcd(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return client, nil
}

// NewEtcdDirectory constructs an etcd directory.
func NewEtcdDirectory(cfg EtcdConfig) *EtcdDirectory {
	ttl := int64(cfg.LeaseTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdDirectory{
		client:   cfg.Client,
		prefix:   strings.TrimSuffix(cfg.Prefix, "/"),
		leaseTTL: ttl,
		logger:   logger,
	}
}

func (d *EtcdDirectory) Register(ctx context.Context, node GatewayNode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.key = d.prefix + "/" + node.NodeID
	return d.grantAndPut(ctx, node)
}

func (d *EtcdDirectory) grantAndPut(ctx context.Context, node GatewayNode) error {
	lease, err := d.client.Grant(ctx, d.leaseTTL)
	if err != nil {
		return fmt.Errorf("%w: grant lease: %v", ErrDirectoryUnavailable, err)
	}
	d.leaseID = lease.ID
	return d.put(ctx, node)
}

func (d *EtcdDirectory) put(ctx context.Context, node GatewayNode) error {
	value, err := encodeNode(node)
	if err != nil {
		return err
	}
	if _, err := d.client.Put(ctx, d.key, string(value), clientv3.WithLease(d.leaseID)); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrDirectoryUnavailable, d.key, err)
	}
	return nil
}

// Publish refreshes the lease and rewrites the record. A lost lease is
// replaced with a fresh one.
func (d *EtcdDirectory) Publish(ctx context.Context, node GatewayNode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.key == "" {
		d.key = d.prefix + "/" + node.NodeID
	}
	if d.leaseID == 0 {
		return d.grantAndPut(ctx, node)
	}
	if _, err := d.client.KeepAliveOnce(ctx, d.leaseID); err != nil {
		d.logger.Warn("etcd lease refresh failed, re-granting",
			zap.String("key", d.key),
			zap.Int64("lease_id", int64(d.leaseID)),
			zap.Error(err))
		return d.grantAndPut(ctx, node)
	}
	return d.put(ctx, node)
}

func (d *EtcdDirectory) List(ctx context.Context) ([]GatewayNode, error) {
	response, err := d.client.Get(ctx, d.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrDirectoryUnavailable, err)
	}
	nodes := make([]GatewayNode, 0, len(response.Kvs))
	for _, kv := range response.Kvs {
		node, err := decodeNode(kv.Value)
		if err != nil {
			d.logger.Warn("skipping malformed node record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Deregister revokes the lease, which deletes the record.
func (d *EtcdDirectory) Deregister(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.leaseID == 0 {
		return nil
	}
	if _, err := d.client.Revoke(ctx, d.leaseID); err != nil {
		return fmt.Errorf("%w: revoke: %v", ErrDirectoryUnavailable, err)
	}
	d.leaseID = 0
	return nil
}
