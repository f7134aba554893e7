// Package config holds the YAML configuration of dfs-rpc clients and servers.
//
//	rpc:
//	  client_name: fsck-tool
//	  max_rpc_retries: 3
//	  rpc_retry_delay: 2s        # or rpc_retry_delay_ms: 2000
//	  rpc_connect_timeout: 30s
//	  rpc_response_timeout: 30s
//	  failover: failover
//	clusters:
//	  prod: ["nn1.example.com:8020", "nn2.example.com:8020"]
//	etcd:
//	  endpoints: ["127.0.0.1:2379"]
//	logging:
//	  level: debug
package config

import (
	"bytes"
	"os"
	"time"

	"dfs-rpc/loadbalance"
	"dfs-rpc/registry"
	"dfs-rpc/retry"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"
)

type Config struct {
	RPC      *RPCConfig          `yaml:"rpc,optional,fromdefaults"`
	Logging  *LoggingConfig      `yaml:"logging,optional,fromdefaults"`
	Server   *ServerConfig       `yaml:"server,optional,fromdefaults"`
	Clusters map[string][]string `yaml:"clusters,optional"`
	Etcd     *EtcdConfig         `yaml:"etcd,optional"`
}

type RPCConfig struct {
	ClientName         string        `yaml:"client_name,optional,default=dfs-rpc"`
	User               string        `yaml:"user,optional"`
	Protocol           string        `yaml:"protocol,optional,default=org.apache.hadoop.hdfs.protocol.ClientProtocol"`
	ProtocolVersion    uint64        `yaml:"protocol_version,optional,default=1"`
	MaxRPCRetries      int           `yaml:"max_rpc_retries,optional,default=0"`
	RPCRetryDelay      time.Duration `yaml:"rpc_retry_delay,optional,default=10s"`
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay,optional,default=0s"`
	RetryPolicy        string        `yaml:"retry_policy,optional,default=fixed"`
	RPCConnectTimeout  time.Duration `yaml:"rpc_connect_timeout,optional,positive,default=30s"`
	RPCResponseTimeout time.Duration `yaml:"rpc_response_timeout,optional,default=30s"`
	CallTimeout        time.Duration `yaml:"call_timeout,optional,default=0s"`
	PingInterval       time.Duration `yaml:"ping_interval,optional,default=0s"`
	MaxFrameLength     uint32        `yaml:"max_frame_length,optional,default=67108864"`
	Failover           string        `yaml:"failover,optional,default=failover"`

	// millisecond forms of the settings above; they win when present
	RPCRetryDelayMs      *int64 `yaml:"rpc_retry_delay_ms,optional"`
	RPCConnectTimeoutMs  *int64 `yaml:"rpc_connect_timeout_ms,optional"`
	RPCResponseTimeoutMs *int64 `yaml:"rpc_response_timeout_ms,optional"`
}

type LoggingConfig struct {
	Level       string `yaml:"level,optional,default=info"`
	Format      string `yaml:"format,optional,default=json"` // json | console
	Development bool   `yaml:"development,optional,default=false"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen,optional,default=:8020"`
	Advertise       string        `yaml:"advertise,optional"`
	Cluster         string        `yaml:"cluster,optional,default=default"`
	RegisterTTL     int64         `yaml:"register_ttl,optional,default=10"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout,optional,default=0s"`
	RateLimit       float64       `yaml:"rate_limit,optional,default=0"`
	RateBurst       int           `yaml:"rate_burst,optional,default=0"`
	MetricsAddr     string        `yaml:"metrics_addr,optional"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,optional,positive,default=10s"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix,optional,default=/dfs-rpc"`
	DialTimeout time.Duration `yaml:"dial_timeout,optional,positive,default=5s"`
}

var ConfigFileDefaultLocations = []string{
	"/etc/dfs-rpc/dfs-rpc.yml",
	"/usr/local/etc/dfs-rpc/dfs-rpc.yml",
}

// ParseConfig reads path, or the first existing default location if path is empty.
func ParseConfig(path string) (*Config, error) {
	if path == "" {
		for _, l := range ConfigFileDefaultLocations {
			stat, statErr := os.Stat(l)
			if statErr != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				return nil, errors.Errorf("file at default location is not a regular file: %s", l)
			}
			path = l
			break
		}
	}
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfigBytes(b)
}

func ParseConfigBytes(b []byte) (*Config, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		b = []byte("{}")
	}
	var c *Config
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("config is empty or only consists of comments")
	}
	c.RPC.applyMillis()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the configuration of an empty file.
func Default() *Config {
	c, err := ParseConfigBytes([]byte("{}"))
	if err != nil {
		panic(err)
	}
	return c
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func (r *RPCConfig) applyMillis() {
	if r.RPCRetryDelayMs != nil {
		r.RPCRetryDelay = millis(*r.RPCRetryDelayMs)
	}
	if r.RPCConnectTimeoutMs != nil {
		r.RPCConnectTimeout = millis(*r.RPCConnectTimeoutMs)
	}
	if r.RPCResponseTimeoutMs != nil {
		r.RPCResponseTimeout = millis(*r.RPCResponseTimeoutMs)
	}
}

func (c *Config) Validate() error {
	r := c.RPC
	if r.MaxRPCRetries < 0 {
		return errors.Errorf("rpc.max_rpc_retries must be >= 0, got %d", r.MaxRPCRetries)
	}
	if r.RPCRetryDelay < 0 {
		return errors.Errorf("rpc.rpc_retry_delay must be >= 0, got %s", r.RPCRetryDelay)
	}
	if r.RPCConnectTimeout <= 0 {
		return errors.Errorf("rpc.rpc_connect_timeout must be positive, got %s", r.RPCConnectTimeout)
	}
	if r.RPCResponseTimeout < 0 {
		return errors.Errorf("rpc.rpc_response_timeout must be >= 0, got %s", r.RPCResponseTimeout)
	}
	if _, err := retry.New(r.RetryPolicy, r.MaxRPCRetries, r.RPCRetryDelay, r.MaxRetryDelay); err != nil {
		return errors.Wrap(err, "rpc.retry_policy")
	}
	if _, err := loadbalance.New(r.Failover, r.ClientName); err != nil {
		return errors.Wrap(err, "rpc.failover")
	}
	for name, eps := range c.Clusters {
		if _, err := registry.ParseEndpoints(eps); err != nil {
			return errors.Wrapf(err, "clusters.%s", name)
		}
	}
	if c.Etcd != nil && len(c.Etcd.Endpoints) == 0 {
		return errors.New("etcd.endpoints must not be empty")
	}
	return nil
}

// StaticResolver builds a resolver from the clusters section.
func (c *Config) StaticResolver() (registry.StaticResolver, error) {
	r := make(registry.StaticResolver, len(c.Clusters))
	for name, eps := range c.Clusters {
		parsed, err := registry.ParseEndpoints(eps)
		if err != nil {
			return nil, errors.Wrapf(err, "cluster %s", name)
		}
		r[name] = parsed
	}
	return r, nil
}
