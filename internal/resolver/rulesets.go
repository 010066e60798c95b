package resolver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inpassing/liveorg/internal/model"
	"github.com/inpassing/liveorg/internal/rules"
)

// Rule sets live in two buckets. Reoccurring sets ("*" and weekday patterns)
// sit in a list, newest at the front, so a later push overrides an older one
// under first-match resolution. Single-use sets (exact-date patterns) sit in
// a sorted set scored by the date's day timestamp, so a walk can load just
// the span it covers. Any mutation drops the cached walk days the change
// could affect, inside the same transaction.

// AddRuleSet stores a rule set, strictly: a set with the same pattern already
// in its bucket is rejected with rules.ErrRuleSetExists.
func (r *Resolver) AddRuleSet(ctx context.Context, rs rules.RuleSet) error {
	return r.putRuleSet(ctx, rs, false)
}

// SetRuleSet stores a rule set, replacing any set with the same pattern.
func (r *Resolver) SetRuleSet(ctx context.Context, rs rules.RuleSet) error {
	return r.putRuleSet(ctx, rs, true)
}

func (r *Resolver) putRuleSet(ctx context.Context, rs rules.RuleSet, replace bool) error {
	if len(rs.Rules) == 0 {
		return fmt.Errorf("rule set %q has no rules", rs.Pattern)
	}
	if rules.PatternReoccurs(rs.Pattern) {
		rs.Timestamp = time.Now().Unix()
		return r.putReoccurring(ctx, rs, replace)
	}
	date, err := model.ParseDate(rs.Pattern)
	if err != nil {
		return fmt.Errorf("single-use pattern %q is not a date: %w", rs.Pattern, err)
	}
	rs.Timestamp = model.DayTimestamp(date)
	return r.putSingleUse(ctx, rs, replace)
}

func (r *Resolver) putReoccurring(ctx context.Context, rs rules.RuleSet, replace bool) error {
	encoded, err := rules.EncodeRuleSet(rs)
	if err != nil {
		return err
	}
	key := r.keys.GlobalRules()
	return r.store.Atomically(ctx, "put_ruleset", []string{key}, func(ctx context.Context, tx *redis.Tx) error {
		entries, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		var duplicates []string
		for _, raw := range entries {
			existing, err := rules.DecodeRuleSet(raw)
			if err != nil {
				return err
			}
			if existing.Pattern == rs.Pattern {
				duplicates = append(duplicates, raw)
			}
		}
		if len(duplicates) > 0 && !replace {
			return fmt.Errorf("%w: %q", rules.ErrRuleSetExists, rs.Pattern)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, raw := range duplicates {
				pipe.LRem(ctx, key, 0, raw)
			}
			pipe.LPush(ctx, key, encoded)
			r.invalidateCache(ctx, pipe)
			return nil
		})
		return err
	})
}

func (r *Resolver) putSingleUse(ctx context.Context, rs rules.RuleSet, replace bool) error {
	encoded, err := rules.EncodeRuleSet(rs)
	if err != nil {
		return err
	}
	key := r.keys.SingleRules()
	score := strconv.FormatInt(rs.Timestamp, 10)
	return r.store.Atomically(ctx, "put_ruleset", []string{key}, func(ctx context.Context, tx *redis.Tx) error {
		existing, err := tx.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: score}).Result()
		if err != nil {
			return err
		}
		if len(existing) > 0 && !replace {
			return fmt.Errorf("%w: %q", rules.ErrRuleSetExists, rs.Pattern)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, raw := range existing {
				pipe.ZRem(ctx, key, raw)
			}
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(rs.Timestamp), Member: encoded})
			r.invalidateCache(ctx, pipe)
			return nil
		})
		return err
	})
}

// RemoveRuleSet deletes the rule set stored for a pattern. found is false
// when no set with that pattern was stored.
func (r *Resolver) RemoveRuleSet(ctx context.Context, pattern string) (bool, error) {
	if rules.PatternReoccurs(pattern) {
		return r.removeReoccurring(ctx, pattern)
	}
	date, err := model.ParseDate(pattern)
	if err != nil {
		return false, fmt.Errorf("single-use pattern %q is not a date: %w", pattern, err)
	}
	return r.removeSingleUse(ctx, model.DayTimestamp(date))
}

func (r *Resolver) removeReoccurring(ctx context.Context, pattern string) (bool, error) {
	key := r.keys.GlobalRules()
	var found bool
	err := r.store.Atomically(ctx, "remove_ruleset", []string{key}, func(ctx context.Context, tx *redis.Tx) error {
		found = false
		entries, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		var matches []string
		for _, raw := range entries {
			existing, err := rules.DecodeRuleSet(raw)
			if err != nil {
				return err
			}
			if existing.Pattern == pattern {
				matches = append(matches, raw)
			}
		}
		if len(matches) == 0 {
			return nil
		}
		found = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, raw := range matches {
				pipe.LRem(ctx, key, 0, raw)
			}
			r.invalidateCache(ctx, pipe)
			return nil
		})
		return err
	})
	return found, err
}

func (r *Resolver) removeSingleUse(ctx context.Context, ts int64) (bool, error) {
	key := r.keys.SingleRules()
	score := strconv.FormatInt(ts, 10)
	var found bool
	err := r.store.Atomically(ctx, "remove_ruleset", []string{key}, func(ctx context.Context, tx *redis.Tx) error {
		found = false
		existing, err := tx.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: score}).Result()
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return nil
		}
		found = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, raw := range existing {
				pipe.ZRem(ctx, key, raw)
			}
			r.invalidateCache(ctx, pipe)
			return nil
		})
		return err
	})
	return found, err
}

// RuleSets returns both buckets for display: single-use sets in date order,
// then reoccurring sets in resolution order.
func (r *Resolver) RuleSets(ctx context.Context) (singleUse, reoccurring []rules.RuleSet, err error) {
	singleUse, err = r.singleUseRuleSets(ctx, 0, 1<<62)
	if err != nil {
		return nil, nil, err
	}
	reoccurring, err = r.reoccurringRuleSets(ctx)
	if err != nil {
		return nil, nil, err
	}
	return singleUse, reoccurring, nil
}

// invalidateCache stages removal of every memoized walk day. A rule change
// alters what a walk across its dates would compute, so the cached answers
// must go; walks repopulate them on demand.
func (r *Resolver) invalidateCache(ctx context.Context, pipe redis.Pipeliner) {
	pipe.Del(ctx, r.keys.StateCache(), r.keys.StateCacheIndex())
}
