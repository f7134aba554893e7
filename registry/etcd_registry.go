package registry

// etcd is used as a "distributed phonebook" for metadata servers:
//
//	Key:   {prefix}/{cluster}/{host:port}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if a server crashes, the lease expires
// and the entry is removed, so clients never resolve "ghost" servers.

import (
	"context"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/dfs-rpc"

type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	log    *zap.Logger
}

type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to etcd")
	}
	return &EtcdRegistry{client: c, prefix: strings.TrimSuffix(cfg.Prefix, "/"), log: cfg.Logger}, nil
}

func (r *EtcdRegistry) clusterPrefix(cluster string) string {
	return r.prefix + "/" + cluster + "/"
}

// Register adds ep under a TTL lease and keeps the lease alive until ctx is done.
// The lease id is kept local so one registry can be shared by several servers.
func (r *EtcdRegistry) Register(ctx context.Context, cluster string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, r.clusterPrefix(cluster)+ep.Addr(), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return errors.Wrap(err, "put endpoint")
	}
	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	// drain, otherwise the keepalive channel fills up
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("cluster", cluster), zap.Stringer("endpoint", ep))
	}()
	return nil
}

// Deregister removes ep. Called during graceful shutdown before the listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, cluster string, ep Endpoint) error {
	_, err := r.client.Delete(ctx, r.clusterPrefix(cluster)+ep.Addr())
	return errors.Wrap(err, "delete endpoint")
}

// Resolve returns the registered endpoints of cluster sorted by key.
func (r *EtcdRegistry) Resolve(ctx context.Context, cluster string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, r.clusterPrefix(cluster), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrap(err, "get endpoints")
	}
	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		eps = append(eps, ep)
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Addr() < eps[j].Addr() })
	if len(eps) == 0 {
		return nil, errors.Wrapf(ErrUnknownCluster, "cluster %q has no registered endpoints", cluster)
	}
	return eps, nil
}

// Watch emits the full endpoint list of cluster whenever it changes, until ctx is done.
// Re-fetching the list is simpler than applying individual watch events.
func (r *EtcdRegistry) Watch(ctx context.Context, cluster string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for wr := range r.client.Watch(ctx, r.clusterPrefix(cluster), clientv3.WithPrefix()) {
			if err := wr.Err(); err != nil {
				r.log.Warn("etcd watch error", zap.String("cluster", cluster), zap.Error(err))
				continue
			}
			eps, err := r.Resolve(ctx, cluster)
			if err != nil && !errors.Is(err, ErrUnknownCluster) {
				r.log.Warn("re-resolve after watch event failed", zap.String("cluster", cluster), zap.Error(err))
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
