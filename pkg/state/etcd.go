package state

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStoreOptions configures the etcd-backed state store.
type EtcdStoreOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Key         string
	TLS         *tls.Config
}

// EtcdStore keeps the state document under a single etcd key, for deployments
// where the watchdog may run from more than one machine.
type EtcdStore struct {
	client *clientv3.Client
	key    string
}

// NewEtcdStore constructs a store backed by etcd.
func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd store requires at least one endpoint")
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		return nil, errors.New("etcd store requires a key")
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &EtcdStore{client: client, key: applyNamespace(opts.Namespace, key)}, nil
}

// Close releases the underlying client resources.
func (s *EtcdStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Load implements Store. An absent key is a valid empty state.
func (s *EtcdStore) Load(ctx context.Context) (GlobalState, error) {
	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), s.key)
	if err != nil {
		return nil, fmt.Errorf("read state key %s: %w", s.key, err)
	}
	if len(resp.Kvs) == 0 {
		return make(GlobalState), nil
	}

	var global GlobalState
	if err := json.Unmarshal(resp.Kvs[0].Value, &global); err != nil {
		return nil, fmt.Errorf("%w: parse key %s: %v", ErrCorrupted, s.key, err)
	}
	if global == nil {
		global = make(GlobalState)
	}
	return global, nil
}

// Save implements Store by replacing the document atomically with a single put.
func (s *EtcdStore) Save(ctx context.Context, global GlobalState) error {
	payload, err := json.Marshal(global)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key, string(payload)); err != nil {
		return fmt.Errorf("write state key %s: %w", s.key, err)
	}
	return nil
}

func applyNamespace(namespace, key string) string {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		return key
	}
	trimmed := strings.TrimSuffix(ns, "/")
	if strings.HasPrefix(key, "/") {
		return trimmed + key
	}
	return trimmed + "/" + key
}

var _ Store = (*EtcdStore)(nil)
