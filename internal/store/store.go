package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inpassing/liveorg/internal/model"
	"github.com/inpassing/liveorg/internal/obs"
)

// ErrTxConflict is returned when an optimistic transaction kept colliding
// with concurrent writers for the whole retry budget. It is transient: the
// caller may retry the operation as a whole.
var ErrTxConflict = errors.New("store: transaction conflict, retries exhausted")

// Store is the shared live-state store handle. It is safe for concurrent use
// and is constructed once at startup and passed to every component
// explicitly; there is no process-global instance.
type Store struct {
	rdb        redis.UniversalClient
	opTimeout  time.Duration
	txAttempts int
	txBackoff  time.Duration
	metrics    *obs.Metrics
	logger     *obs.Logger
}

func New(cfg model.StoreConfig, logger *obs.Logger, metrics *obs.Metrics) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(rdb, cfg, logger, metrics)
}

// NewWithClient wraps an existing client; used by tests to point at an
// in-process server.
func NewWithClient(rdb redis.UniversalClient, cfg model.StoreConfig, logger *obs.Logger, metrics *obs.Metrics) *Store {
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	attempts := cfg.TxAttempts
	if attempts <= 0 {
		attempts = 8
	}
	backoff := cfg.TxBackoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	return &Store{
		rdb:        rdb,
		opTimeout:  opTimeout,
		txAttempts: attempts,
		txBackoff:  backoff,
		metrics:    metrics,
		logger:     logger,
	}
}

// Client exposes the raw store client for single-command reads that need no
// transaction.
func (s *Store) Client() redis.Cmdable { return s.rdb }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Atomically runs fn as one optimistic transaction watching the given keys.
// fn reads through tx and stages its writes with tx.TxPipelined, using the
// context it is handed, which carries the per-operation timeout; if any
// watched key changes before the pipeline commits, the store aborts the
// transaction and Atomically retries with backoff, up to the configured
// attempt budget. op names the operation for logs and the conflict counter.
func (s *Store) Atomically(ctx context.Context, op string, keys []string, fn func(ctx context.Context, tx *redis.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.txAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.txBackoff * time.Duration(attempt)):
			}
		}

		opCtx, cancel := s.opContext(ctx)
		err := s.rdb.Watch(opCtx, func(tx *redis.Tx) error {
			return fn(opCtx, tx)
		}, keys...)
		cancel()

		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		lastErr = err
		if s.metrics != nil {
			s.metrics.TxConflictTotal.WithLabelValues(op).Inc()
		}
		s.logger.Debugf("tx conflict op=%s attempt=%d", op, attempt+1)
	}
	s.logger.Warnf("tx conflict budget exhausted op=%s attempts=%d", op, s.txAttempts)
	return fmt.Errorf("%w: op=%s: %v", ErrTxConflict, op, lastErr)
}
