package lock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdManagerOptions configures the etcd-backed cycle lock.
type EtcdManagerOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	LockKey     string
	TTL         time.Duration
	TLS         *tls.Config
	Identity    string
	Clock       func() time.Time
}

// EtcdManager acquires the cycle lock via an etcd mutex. The session TTL
// bounds how long a crashed watchdog can keep the lock hostage.
type EtcdManager struct {
	client   *clientv3.Client
	key      string
	ttl      int
	identity string
	now      func() time.Time
}

type holderAnnotation struct {
	Identity string `json:"identity"`
	PID      int    `json:"pid"`
	Acquired string `json:"acquired_at"`
}

// NewEtcdManager validates the options and dials the cluster.
func NewEtcdManager(opts EtcdManagerOptions) (*EtcdManager, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd lock: at least one endpoint is required")
	}
	key := strings.TrimSpace(opts.LockKey)
	if key == "" {
		return nil, errors.New("etcd lock: a lock key is required")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("etcd lock: the TTL must be positive")
	}
	identity := strings.TrimSpace(opts.Identity)
	if identity == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("derive lock identity: %w", err)
		}
		identity = hostname
	}

	ttl := int(math.Ceil(opts.TTL.Seconds()))
	if ttl <= 0 {
		return nil, errors.New("etcd lock: the TTL must be at least one second")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dial,
		TLS:                 opts.TLS,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}

	return &EtcdManager{
		client:   client,
		key:      prefixKey(opts.Namespace, key),
		ttl:      ttl,
		identity: identity,
		now:      clock,
	}, nil
}

// Close releases the underlying client resources.
func (m *EtcdManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Acquire tries to take the cycle lock. A lock held elsewhere yields
// ErrNotAcquired so the caller can skip the cycle instead of queueing behind
// the holder.
func (m *EtcdManager) Acquire(ctx context.Context) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	sess, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttl))
	if err != nil {
		if contextError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("open lock session: %w", err)
	}

	mu := concurrency.NewMutex(sess, m.key)
	if err := mu.TryLock(ctx); err != nil {
		sess.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrNotAcquired
		}
		if contextError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("take lock: %w", err)
	}

	m.annotate(ctx, sess)

	return &etcdLease{session: sess, mutex: mu}, nil
}

// annotate records who holds the lock, next to the mutex key. Failures are
// ignored: the annotation is diagnostic, not load-bearing.
func (m *EtcdManager) annotate(ctx context.Context, sess *concurrency.Session) {
	payload, err := json.Marshal(holderAnnotation{
		Identity: m.identity,
		PID:      os.Getpid(),
		Acquired: m.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	_, _ = m.client.Put(ctx, m.key+"/holder", string(payload), clientv3.WithLease(sess.Lease()))
}

type etcdLease struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// Release unlocks the mutex and closes its session. Both are attempted even
// when the first fails.
func (l *etcdLease) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	errUnlock := l.mutex.Unlock(ctx)
	errClose := l.session.Close()
	if errUnlock != nil {
		return fmt.Errorf("unlock: %w", errUnlock)
	}
	if errClose != nil {
		return fmt.Errorf("close lock session: %w", errClose)
	}
	return nil
}

func contextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func prefixKey(ns, key string) string {
	trimmed := strings.TrimSpace(ns)
	if trimmed == "" {
		return key
	}
	trimmed = strings.TrimSuffix(trimmed, "/")
	if strings.HasPrefix(key, "/") {
		return trimmed + key
	}
	return trimmed + "/" + key
}

var (
	_ Manager = (*EtcdManager)(nil)
	_ Lease   = (*etcdLease)(nil)
)
