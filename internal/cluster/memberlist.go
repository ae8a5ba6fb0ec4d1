package cluster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

const (
	defaultMemberUpdateTimeout = 2 * time.Second
	defaultLeaveTimeout        = 5 * time.Second
)

// MemberlistConfig describes a gossip-backed directory.
type MemberlistConfig struct {
	NodeID        string
	BindAddress   string
	Seeds         []string
	UpdateTimeout time.Duration
	Logger        *zap.Logger
}

type nodeMetaDelegate struct {
	mu   sync.RWMutex
	meta []byte
}

func (d *nodeMetaDelegate) NodeMeta(limit int) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *nodeMetaDelegate) setMeta(meta []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meta = meta
}

func (d *nodeMetaDelegate) NotifyMsg([]byte)                           {}
func (d *nodeMetaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *nodeMetaDelegate) LocalState(join bool) []byte                { return nil }
func (d *nodeMetaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// MemberlistDirectory gossips node records as memberlist metadata. Failed
// members drop out of the member list on their own.
type MemberlistDirectory struct {
	list          *memberlist.Memberlist
	delegate      *nodeMetaDelegate
	seeds         []string
	updateTimeout time.Duration
	logger        *zap.Logger
}

// NewMemberlistDirectory starts the local gossip member. It does not join
// the seeds until Register.
func NewMemberlistDirectory(cfg MemberlistConfig) (*MemberlistDirectory, error) {
	host, portText, err := net.SplitHostPort(cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("memberlist bind address %q: %w", cfg.BindAddress, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("memberlist bind port %q: %w", portText, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.UpdateTimeout
	if timeout <= 0 {
		timeout = defaultMemberUpdateTimeout
	}

	stdLogger, err := zap.NewStdLogAt(logger.Named("memberlist"), zap.DebugLevel)
	if err != nil {
		return nil, err
	}

	delegate := &nodeMetaDelegate{}
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = host
	mlConfig.BindPort = port
	mlConfig.AdvertisePort = port
	mlConfig.Delegate = delegate
	mlConfig.LogOutput = nil
	mlConfig.Logger = stdLogger

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create memberlist: %v", ErrDirectoryUnavailable, err)
	}
	return &MemberlistDirectory{
		list:          list,
		delegate:      delegate,
		seeds:         cfg.Seeds,
		updateTimeout: timeout,
		logger:        logger,
	}, nil
}

// LocalAddress is the address other members can use as a seed.
func (d *MemberlistDirectory) LocalAddress() string {
	local := d.list.LocalNode()
	return net.JoinHostPort(local.Addr.String(), strconv.Itoa(int(local.Port)))
}

func (d *MemberlistDirectory) Register(ctx context.Context, node GatewayNode) error {
	if err := d.Publish(ctx, node); err != nil {
		return err
	}
	if len(d.seeds) == 0 {
		return nil
	}
	joined, err := d.list.Join(d.seeds)
	if err != nil {
		return fmt.Errorf("%w: join %v: %v", ErrDirectoryUnavailable, d.seeds, err)
	}
	d.logger.Info("joined gossip cluster", zap.Int("contacted", joined), zap.Int("members", d.list.NumMembers()))
	return nil
}

func (d *MemberlistDirectory) Publish(_ context.Context, node GatewayNode) error {
	meta, err := encodeNode(node)
	if err != nil {
		return err
	}
	if len(meta) > memberlist.MetaMaxSize {
		return fmt.Errorf("cluster: node record of %d bytes exceeds gossip metadata limit", len(meta))
	}
	d.delegate.setMeta(meta)
	if err := d.list.UpdateNode(d.updateTimeout); err != nil {
		return fmt.Errorf("%w: update node: %v", ErrDirectoryUnavailable, err)
	}
	return nil
}

func (d *MemberlistDirectory) List(context.Context) ([]GatewayNode, error) {
	members := d.list.Members()
	nodes := make([]GatewayNode, 0, len(members))
	for _, member := range members {
		if len(member.Meta) == 0 {
			continue
		}
		node, err := decodeNode(member.Meta)
		if err != nil {
			d.logger.Warn("skipping malformed member metadata", zap.String("member", member.Name), zap.Error(err))
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Deregister leaves the gossip cluster and stops the local member.
func (d *MemberlistDirectory) Deregister(context.Context) error {
	if err := d.list.Leave(defaultLeaveTimeout); err != nil {
		d.logger.Warn("leaving gossip cluster failed", zap.Error(err))
	}
	return d.list.Shutdown()
}
