// Package queue implements the per-date borrow and lend FIFO queues. Entries
// are "{id}:{token}" strings; the token is a monotonically increasing counter
// per participant, used to invalidate stale entries after a refresh. The left
// side of each list is the back of the queue: enqueue with LPUSH, drain from
// the right.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inpassing/liveorg/internal/model"
	"github.com/inpassing/liveorg/internal/obs"
	"github.com/inpassing/liveorg/internal/registry"
	"github.com/inpassing/liveorg/internal/store"
)

// EnqueueResult reports the outcome of an enqueue: the entry was added, or an
// identical id+token entry was already present (a no-op, not an error).
type EnqueueResult int

const (
	Enqueued EnqueueResult = iota
	AlreadyEnqueued
)

func (r EnqueueResult) String() string {
	if r == AlreadyEnqueued {
		return "already enqueued"
	}
	return "enqueued"
}

type Queues struct {
	store    *store.Store
	keys     store.Keys
	orgID    int64
	registry *registry.Registry
	logger   *obs.Logger
	metrics  *obs.Metrics
}

func New(s *store.Store, orgID int64, reg *registry.Registry, logger *obs.Logger, metrics *obs.Metrics) *Queues {
	return &Queues{
		store:    s,
		keys:     store.OrgKeys(orgID),
		orgID:    orgID,
		registry: reg,
		logger:   logger.WithComponent("queue"),
		metrics:  metrics,
	}
}

// ObjToken returns the current token for a participant, lazily initializing
// it to 1 on first access. An unrecognized kind yields ok=false; this is a
// programming-contract violation, not a store failure.
func (q *Queues) ObjToken(ctx context.Context, kind model.ObjKind, id int64) (int64, bool, error) {
	hashKey, ok := q.keys.TokenHash(kind)
	if !ok {
		return 0, false, nil
	}
	field := fmt.Sprintf("%d", id)

	if err := q.store.Client().HSetNX(ctx, hashKey, field, 1).Err(); err != nil {
		return 0, false, fmt.Errorf("init token %s/%d: %w", kind, id, err)
	}
	token, err := q.store.Client().HGet(ctx, hashKey, field).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("get token %s/%d: %w", kind, id, err)
	}
	return token, true, nil
}

// LiveObj materializes a participant with its current token.
func (q *Queues) LiveObj(ctx context.Context, kind model.ObjKind, id int64) (model.LiveObj, bool, error) {
	token, ok, err := q.ObjToken(ctx, kind, id)
	if err != nil || !ok {
		return model.LiveObj{}, ok, err
	}
	return model.LiveObj{Kind: kind, ID: id, Token: token}, true, nil
}

// EnqueueUserBorrow activates the date's queues and enqueues the user on the
// borrow queue.
func (q *Queues) EnqueueUserBorrow(ctx context.Context, date time.Time, userID int64) (EnqueueResult, error) {
	if err := q.registry.Activate(ctx, date); err != nil {
		return 0, err
	}
	return q.enqueueCurrent(ctx, q.keys.BorrowQueue(date), "borrow", model.ObjUser, userID)
}

// EnqueuePassLend activates the date's queues and enqueues the pass on the
// lend queue.
func (q *Queues) EnqueuePassLend(ctx context.Context, date time.Time, passID int64) (EnqueueResult, error) {
	if err := q.registry.Activate(ctx, date); err != nil {
		return 0, err
	}
	return q.enqueueCurrent(ctx, q.keys.LendQueue(date), "lend", model.ObjPass, passID)
}

// DequeueUserBorrow removes the user's current-token entry from the date's
// borrow queue. The date's queues stay active even if this empties them.
func (q *Queues) DequeueUserBorrow(ctx context.Context, date time.Time, userID int64) (bool, error) {
	return q.dequeueCurrent(ctx, q.keys.BorrowQueue(date), "borrow", model.ObjUser, userID)
}

// DequeuePassLend removes the pass's current-token entry from the date's
// lend queue.
func (q *Queues) DequeuePassLend(ctx context.Context, date time.Time, passID int64) (bool, error) {
	return q.dequeueCurrent(ctx, q.keys.LendQueue(date), "lend", model.ObjPass, passID)
}

// RefreshUser rotates a user's token and moves their borrow-queue entry to
// the back of the line.
func (q *Queues) RefreshUser(ctx context.Context, date time.Time, userID int64) error {
	return q.refreshToken(ctx, q.keys.BorrowQueue(date), model.ObjUser, userID)
}

// RefreshPass rotates a pass's token and moves its lend-queue entry to the
// back of the line.
func (q *Queues) RefreshPass(ctx context.Context, date time.Time, passID int64) error {
	return q.refreshToken(ctx, q.keys.LendQueue(date), model.ObjPass, passID)
}

// Entries returns a queue's contents front-of-line first.
func (q *Queues) Entries(ctx context.Context, date time.Time, kind model.ObjKind) ([]model.LiveObj, error) {
	var key string
	switch kind {
	case model.ObjUser:
		key = q.keys.BorrowQueue(date)
	case model.ObjPass:
		key = q.keys.LendQueue(date)
	default:
		return nil, fmt.Errorf("entries: unknown kind %v", kind)
	}

	raw, err := q.store.Client().LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", key, err)
	}
	// The head of the line is the right end of the list.
	objs := make([]model.LiveObj, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		obj, err := model.ParseLiveObj(raw[i], kind)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", key, err)
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (q *Queues) enqueueCurrent(ctx context.Context, queueKey, label string, kind model.ObjKind, id int64) (EnqueueResult, error) {
	obj, ok, err := q.LiveObj(ctx, kind, id)
	if err != nil {
		q.countEnqueue(label, "error")
		return 0, err
	}
	if !ok {
		q.countEnqueue(label, "error")
		return 0, fmt.Errorf("enqueue: unknown participant kind %v", kind)
	}

	result, err := q.enqueue(ctx, queueKey, obj)
	if err != nil {
		q.countEnqueue(label, "error")
		return 0, err
	}
	if result == AlreadyEnqueued {
		q.countEnqueue(label, "duplicate")
	} else {
		q.countEnqueue(label, "enqueued")
	}
	return result, nil
}

// enqueue adds an entry if no identical id+token entry exists. The membership
// test is a full scan of the queue inside the transaction: O(n), acceptable
// because day queues stay small. The scan and the push commit together; a
// concurrent identical enqueue aborts the transaction via the watched key and
// is retried, seeing the first writer's entry.
func (q *Queues) enqueue(ctx context.Context, queueKey string, obj model.LiveObj) (EnqueueResult, error) {
	entry := obj.String()
	result := Enqueued

	err := q.store.Atomically(ctx, "queue.enqueue", []string{queueKey}, func(ctx context.Context, tx *redis.Tx) error {
		contents, err := tx.LRange(ctx, queueKey, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("enqueue scan %s: %w", queueKey, err)
		}
		exists := false
		for _, c := range contents {
			if c == entry {
				exists = true
				break
			}
		}
		if exists {
			result = AlreadyEnqueued
			return nil
		}
		result = Enqueued
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, queueKey, entry)
			return nil
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	q.logger.Debugf("org=%d queue=%s entry=%s result=%s", q.orgID, queueKey, entry, result)
	return result, nil
}

func (q *Queues) dequeueCurrent(ctx context.Context, queueKey, label string, kind model.ObjKind, id int64) (bool, error) {
	obj, ok, err := q.LiveObj(ctx, kind, id)
	if err != nil {
		q.countDequeue(label, "error")
		return false, err
	}
	if !ok {
		q.countDequeue(label, "error")
		return false, fmt.Errorf("dequeue: unknown participant kind %v", kind)
	}

	removed, err := q.store.Client().LRem(ctx, queueKey, 1, obj.String()).Result()
	if err != nil {
		q.countDequeue(label, "error")
		return false, fmt.Errorf("dequeue %s from %s: %w", obj, queueKey, err)
	}
	if removed > 0 {
		q.countDequeue(label, "removed")
		return true, nil
	}
	q.countDequeue(label, "absent")
	return false, nil
}

// refreshToken increments the participant's token counter, then rewrites any
// queue entry still carrying an old token, re-pushing it at the back of the
// line. The increment, scan, and rewrite commit as one transaction. An entry
// whose token matches neither the old nor the new token is flagged as an
// anomaly and rewritten anyway.
func (q *Queues) refreshToken(ctx context.Context, queueKey string, kind model.ObjKind, id int64) error {
	hashKey, ok := q.keys.TokenHash(kind)
	if !ok {
		return fmt.Errorf("refresh: unknown participant kind %v", kind)
	}
	field := fmt.Sprintf("%d", id)

	err := q.store.Atomically(ctx, "queue.refresh", []string{queueKey, hashKey}, func(ctx context.Context, tx *redis.Tx) error {
		if err := tx.HSetNX(ctx, hashKey, field, 1).Err(); err != nil {
			return fmt.Errorf("refresh init token: %w", err)
		}
		oldToken, err := tx.HGet(ctx, hashKey, field).Int64()
		if err != nil {
			return fmt.Errorf("refresh read token: %w", err)
		}
		newToken := oldToken + 1
		newObj := model.LiveObj{Kind: kind, ID: id, Token: newToken}

		contents, err := tx.LRange(ctx, queueKey, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("refresh scan %s: %w", queueKey, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, hashKey, field, 1)
			for _, entryStr := range contents {
				cur, err := model.ParseLiveObj(entryStr, kind)
				if err != nil {
					q.logger.Warnf("refresh: skipping malformed entry %q in %s", entryStr, queueKey)
					continue
				}
				if cur.ID != id || cur.Token == newToken {
					continue
				}
				if cur.Token != oldToken {
					q.logger.Warnf("refresh: unrecognized token org=%d queue=%s entry=%s expected=%d",
						q.orgID, queueKey, entryStr, oldToken)
				}
				pipe.LRem(ctx, queueKey, 0, entryStr)
				pipe.LPush(ctx, queueKey, newObj.String())
			}
			return nil
		})
		return err
	})
	if err != nil {
		q.countRefresh("error")
		return err
	}
	q.countRefresh("success")
	return nil
}

func (q *Queues) countEnqueue(label, result string) {
	if q.metrics != nil {
		q.metrics.EnqueueTotal.WithLabelValues(label, result).Inc()
	}
}

func (q *Queues) countDequeue(label, result string) {
	if q.metrics != nil {
		q.metrics.DequeueTotal.WithLabelValues(label, result).Inc()
	}
}

func (q *Queues) countRefresh(result string) {
	if q.metrics != nil {
		q.metrics.RefreshTotal.WithLabelValues(result).Inc()
	}
}
