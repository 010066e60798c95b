// Package registry tracks which date-specific queues currently have pending
// work for an organization. Membership is held redundantly: a set for the
// existence test and a list for round-robin order. The two structures may
// transiently diverge because activation touches them with separate
// primitives; Reconcile repairs the divergence and is safe to run
// periodically and concurrently with Cycle.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inpassing/liveorg/internal/model"
	"github.com/inpassing/liveorg/internal/obs"
	"github.com/inpassing/liveorg/internal/store"
)

type Registry struct {
	store   *store.Store
	keys    store.Keys
	orgID   int64
	logger  *obs.Logger
	metrics *obs.Metrics
}

func New(s *store.Store, orgID int64, logger *obs.Logger, metrics *obs.Metrics) *Registry {
	return &Registry{
		store:   s,
		keys:    store.OrgKeys(orgID),
		orgID:   orgID,
		logger:  logger.WithComponent("registry"),
		metrics: metrics,
	}
}

// Activate marks a date's queues as having pending work. Inside one
// transaction: if the date is not yet in the active set, add it to the set
// and push it onto the front of the list. Already-active dates are a no-op.
func (r *Registry) Activate(ctx context.Context, date time.Time) error {
	dateStr := model.FormatDate(date)
	setKey := r.keys.ActiveQueueSet()
	listKey := r.keys.ActiveQueueList()

	err := r.store.Atomically(ctx, "registry.activate", []string{setKey, listKey}, func(ctx context.Context, tx *redis.Tx) error {
		isMember, err := tx.SIsMember(ctx, setKey, dateStr).Result()
		if err != nil {
			return fmt.Errorf("activate %s: membership test: %w", dateStr, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !isMember {
				pipe.SAdd(ctx, setKey, dateStr)
				pipe.LPush(ctx, listKey, dateStr)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	r.logger.Debugf("activated org=%d date=%s", r.orgID, dateStr)
	return nil
}

// Deactivate removes a date from both structures. Nothing calls this
// automatically when a queue drains; it exists for moderator tooling.
func (r *Registry) Deactivate(ctx context.Context, date time.Time) error {
	dateStr := model.FormatDate(date)
	setKey := r.keys.ActiveQueueSet()
	listKey := r.keys.ActiveQueueList()

	return r.store.Atomically(ctx, "registry.deactivate", []string{setKey, listKey}, func(ctx context.Context, tx *redis.Tx) error {
		isMember, err := tx.SIsMember(ctx, setKey, dateStr).Result()
		if err != nil {
			return fmt.Errorf("deactivate %s: membership test: %w", dateStr, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if isMember {
				pipe.SRem(ctx, setKey, dateStr)
				pipe.LRem(ctx, listKey, 1, dateStr)
			}
			return nil
		})
		return err
	})
}

// Cycle atomically rotates the active list and returns the date that was
// rotated, giving the scheduling worker round-robin access without
// starvation. ok is false when the registry is empty; Cycle never blocks
// waiting for work.
func (r *Registry) Cycle(ctx context.Context) (time.Time, bool, error) {
	listKey := r.keys.ActiveQueueList()

	dateStr, err := r.store.Client().LMove(ctx, listKey, listKey, "RIGHT", "LEFT").Result()
	if err == redis.Nil {
		if r.metrics != nil {
			r.metrics.CycleTotal.WithLabelValues("empty").Inc()
		}
		return time.Time{}, false, nil
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.CycleTotal.WithLabelValues("error").Inc()
		}
		return time.Time{}, false, fmt.Errorf("cycle active queue: %w", err)
	}

	date, err := model.ParseDate(dateStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cycle active queue: %w", err)
	}
	if r.metrics != nil {
		r.metrics.CycleTotal.WithLabelValues("work").Inc()
	}
	return date, true, nil
}

// Reconcile repairs set/list divergence: any date present in the active set
// but missing from the list is pushed back onto the list. It returns the
// dates that were restored. The repair runs as two transactions, mirroring
// the structure divergence it fixes: first snapshot the list into a scratch
// set and diff it against the authoritative set, then push the missing
// members. Idempotent.
func (r *Registry) Reconcile(ctx context.Context) ([]string, error) {
	setKey := r.keys.ActiveQueueSet()
	listKey := r.keys.ActiveQueueList()
	tempKey := r.keys.ActiveQueueTempSet()
	diffKey := r.keys.ActiveQueueDiffSet()

	var missing int64
	err := r.store.Atomically(ctx, "registry.reconcile.diff", []string{setKey, listKey}, func(ctx context.Context, tx *redis.Tx) error {
		contents, err := tx.LRange(ctx, listKey, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("reconcile: snapshot list: %w", err)
		}

		cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, tempKey)
			if len(contents) > 0 {
				members := make([]any, len(contents))
				for i, c := range contents {
					members[i] = c
				}
				pipe.SAdd(ctx, tempKey, members...)
			}
			pipe.SDiffStore(ctx, diffKey, setKey, tempKey)
			return nil
		})
		if err != nil {
			return err
		}
		// SDiffStore reports the size of the stored diff; it is the last
		// command in the pipeline.
		missing = cmds[len(cmds)-1].(*redis.IntCmd).Val()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if missing == 0 {
		return nil, nil
	}

	var restored []string
	err = r.store.Atomically(ctx, "registry.reconcile.push", []string{setKey, listKey, diffKey}, func(ctx context.Context, tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, diffKey).Result()
		if err != nil {
			return fmt.Errorf("reconcile: read diff: %w", err)
		}
		restored = members
		if len(members) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			args := make([]any, len(members))
			for i, m := range members {
				args[i] = m
			}
			pipe.LPush(ctx, listKey, args...)
			pipe.Del(ctx, diffKey)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(restored) > 0 {
		if r.metrics != nil {
			r.metrics.ReconcileMoved.Add(float64(len(restored)))
		}
		r.logger.Warnf("reconciled org=%d restored=%d dates=%v", r.orgID, len(restored), restored)
	}
	return restored, nil
}

// Active returns the current members of the active set, for inspection.
func (r *Registry) Active(ctx context.Context) ([]string, error) {
	members, err := r.store.Client().SMembers(ctx, r.keys.ActiveQueueSet()).Result()
	if err != nil {
		return nil, fmt.Errorf("read active set: %w", err)
	}
	return members, nil
}
