package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "IMGATE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultWebSocketPath      = "/ws"
	defaultDatabasePath       = "imgate.db"
	defaultLogLevel           = "info"
	defaultLogEncoding        = "json"
	defaultAuthIssuer         = "imgate-auth"
	defaultDirectoryBackend   = DirectoryBackendEtcd
	defaultEtcdEndpoint       = "127.0.0.1:2379"
	defaultEtcdPrefix         = "/imgate/nodes"
	defaultMemberlistBind     = "127.0.0.1:7946"
	defaultHeartbeatSeconds   = 30
	defaultRegisterAttempts   = 3
	defaultGroupCacheSeconds  = 30
	defaultRelaySubjectPrefix = "imgate"
	defaultRelayTimeoutMillis = 2000
	defaultReadIdleSeconds    = 60
	defaultWriteIdleSeconds   = 30
	defaultWriteTimeoutSecond = 10
	defaultMaxFrameBytes      = 64 * 1024
	defaultFanoutMaxMembers   = 500
	defaultFanoutWorkers      = 32
	defaultOfflineTTLHours    = 24 * 7
	defaultOfflineReapMinutes = 10
	defaultReconcileSeconds   = 60
	defaultTokenTTLMinutes    = 24 * 60
	defaultHistoryBuffer      = 1024
)

// Supported cluster directory backends.
const (
	DirectoryBackendEtcd       = "etcd"
	DirectoryBackendMemberlist = "memberlist"
	DirectoryBackendStatic     = "static"
)

// AppConfig captures runtime configuration for the gateway node.
type AppConfig struct {
	HTTPAddress   string
	WebSocketPath string
	NodeID        string
	DatabasePath  string
	LogLevel      string
	LogEncoding   string

	AuthSigningSecret string
	AuthIssuer        string
	TokenTTL          time.Duration
	AdminToken        string

	DirectoryBackend  string
	EtcdEndpoints     []string
	EtcdPrefix        string
	MemberlistBind    string
	MemberlistSeeds   []string
	HeartbeatInterval time.Duration
	RegisterAttempts  int
	GroupCacheTTL     time.Duration
	HistoryBuffer     int

	NATSURL            string
	RelaySubjectPrefix string
	RelayTimeout       time.Duration
	RelayEmbedListen   string

	ReadIdle      time.Duration
	WriteIdle     time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int64

	FanoutMaxMembers  int
	FanoutWorkers     int
	OfflineTTL        time.Duration
	OfflineReapEvery  time.Duration
	ReconcileInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("gateway.websocket_path", defaultWebSocketPath)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("directory.backend", defaultDirectoryBackend)
	configViper.SetDefault("directory.etcd.endpoints", defaultEtcdEndpoint)
	configViper.SetDefault("directory.etcd.prefix", defaultEtcdPrefix)
	configViper.SetDefault("directory.memberlist.bind", defaultMemberlistBind)
	configViper.SetDefault("directory.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("directory.register_attempts", defaultRegisterAttempts)
	configViper.SetDefault("directory.group_cache_seconds", defaultGroupCacheSeconds)
	configViper.SetDefault("directory.history_buffer", defaultHistoryBuffer)
	configViper.SetDefault("relay.subject_prefix", defaultRelaySubjectPrefix)
	configViper.SetDefault("relay.timeout_ms", defaultRelayTimeoutMillis)
	configViper.SetDefault("gateway.read_idle_seconds", defaultReadIdleSeconds)
	configViper.SetDefault("gateway.write_idle_seconds", defaultWriteIdleSeconds)
	configViper.SetDefault("gateway.write_timeout_seconds", defaultWriteTimeoutSecond)
	configViper.SetDefault("gateway.max_frame_bytes", defaultMaxFrameBytes)
	configViper.SetDefault("fanout.max_members", defaultFanoutMaxMembers)
	configViper.SetDefault("fanout.workers", defaultFanoutWorkers)
	configViper.SetDefault("offline.ttl_hours", defaultOfflineTTLHours)
	configViper.SetDefault("offline.reap_minutes", defaultOfflineReapMinutes)
	configViper.SetDefault("offline.reconcile_seconds", defaultReconcileSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        strings.TrimSpace(configViper.GetString("http.address")),
		WebSocketPath:      strings.TrimSpace(configViper.GetString("gateway.websocket_path")),
		NodeID:             strings.TrimSpace(configViper.GetString("node.id")),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogEncoding:        configViper.GetString("log.encoding"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         strings.TrimSpace(configViper.GetString("auth.issuer")),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AdminToken:         strings.TrimSpace(configViper.GetString("admin.token")),
		DirectoryBackend:   strings.ToLower(strings.TrimSpace(configViper.GetString("directory.backend"))),
		EtcdEndpoints:      splitList(configViper.GetStringSlice("directory.etcd.endpoints")),
		EtcdPrefix:         strings.TrimSpace(configViper.GetString("directory.etcd.prefix")),
		MemberlistBind:     strings.TrimSpace(configViper.GetString("directory.memberlist.bind")),
		MemberlistSeeds:    splitList(configViper.GetStringSlice("directory.memberlist.seeds")),
		HeartbeatInterval:  time.Duration(configViper.GetInt("directory.heartbeat_seconds")) * time.Second,
		RegisterAttempts:   configViper.GetInt("directory.register_attempts"),
		GroupCacheTTL:      time.Duration(configViper.GetInt("directory.group_cache_seconds")) * time.Second,
		HistoryBuffer:      configViper.GetInt("directory.history_buffer"),
		NATSURL:            strings.TrimSpace(configViper.GetString("relay.nats_url")),
		RelaySubjectPrefix: strings.TrimSpace(configViper.GetString("relay.subject_prefix")),
		RelayTimeout:       time.Duration(configViper.GetInt("relay.timeout_ms")) * time.Millisecond,
		RelayEmbedListen:   strings.TrimSpace(configViper.GetString("relay.embedded_listen")),
		ReadIdle:           time.Duration(configViper.GetInt("gateway.read_idle_seconds")) * time.Second,
		WriteIdle:          time.Duration(configViper.GetInt("gateway.write_idle_seconds")) * time.Second,
		WriteTimeout:       time.Duration(configViper.GetInt("gateway.write_timeout_seconds")) * time.Second,
		MaxFrameBytes:      configViper.GetInt64("gateway.max_frame_bytes"),
		FanoutMaxMembers:   configViper.GetInt("fanout.max_members"),
		FanoutWorkers:      configViper.GetInt("fanout.workers"),
		OfflineTTL:         time.Duration(configViper.GetInt("offline.ttl_hours")) * time.Hour,
		OfflineReapEvery:   time.Duration(configViper.GetInt("offline.reap_minutes")) * time.Minute,
		ReconcileInterval:  time.Duration(configViper.GetInt("offline.reconcile_seconds")) * time.Second,
	}

	if cfg.NodeID == "" {
		nodeID, err := deriveNodeID(cfg.HTTPAddress)
		if err != nil {
			return AppConfig{}, err
		}
		cfg.NodeID = nodeID
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		return fmt.Errorf("gateway.websocket_path must start with /")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.DirectoryBackend {
	case DirectoryBackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("directory.etcd.endpoints is required for the etcd backend")
		}
		if c.EtcdPrefix == "" {
			return fmt.Errorf("directory.etcd.prefix is required for the etcd backend")
		}
	case DirectoryBackendMemberlist:
		if c.MemberlistBind == "" {
			return fmt.Errorf("directory.memberlist.bind is required for the memberlist backend")
		}
	case DirectoryBackendStatic:
	default:
		return fmt.Errorf("directory.backend %q is not supported", c.DirectoryBackend)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("directory.heartbeat_seconds must be positive")
	}
	if c.RegisterAttempts <= 0 {
		return fmt.Errorf("directory.register_attempts must be positive")
	}
	if c.ReadIdle <= 0 || c.WriteIdle <= 0 {
		return fmt.Errorf("gateway idle windows must be positive")
	}
	if c.WriteIdle >= c.ReadIdle {
		return fmt.Errorf("gateway.write_idle_seconds must be shorter than gateway.read_idle_seconds")
	}
	if c.FanoutWorkers <= 0 {
		return fmt.Errorf("fanout.workers must be positive")
	}
	if c.HistoryBuffer <= 0 {
		return fmt.Errorf("directory.history_buffer must be positive")
	}
	if c.RelayEmbedListen != "" {
		if _, _, err := net.SplitHostPort(c.RelayEmbedListen); err != nil {
			return fmt.Errorf("relay.embedded_listen %q: %w", c.RelayEmbedListen, err)
		}
	}
	if c.OfflineTTL <= 0 {
		return fmt.Errorf("offline.ttl_hours must be positive")
	}
	return nil
}

// deriveNodeID turns the listen address into a routable host:port identity.
func deriveNodeID(address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("http.address %q: %w", address, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("node.id not set and hostname unavailable: %w", err)
		}
		host = hostname
	}
	return net.JoinHostPort(host, port), nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
