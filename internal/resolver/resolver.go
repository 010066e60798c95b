package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/inpassing/liveorg/internal/model"
	"github.com/inpassing/liveorg/internal/obs"
	"github.com/inpassing/liveorg/internal/rules"
	"github.com/inpassing/liveorg/internal/store"
)

// ErrInvalidFixDate is returned when a new anchor is dated before the most
// recent one. The anchor log stays ordered newest-first; rewriting history
// is rejected rather than silently reordered.
var ErrInvalidFixDate = errors.New("resolver: fixed daystate predates the latest anchor")

// ErrNoAnchor is returned for dates before the organization's first anchor;
// there is no origin to walk from.
var ErrNoAnchor = errors.New("resolver: no fixed daystate at or before date")

// UnresolvedDayError reports a day the walk could not cross because no rule
// set, single-use or reoccurring, matched it. The query fails as a whole.
type UnresolvedDayError struct {
	Date time.Time
}

func (e *UnresolvedDayError) Error() string {
	return fmt.Sprintf("resolver: no rule set matches %s", model.FormatDate(e.Date))
}

// Resolver answers "which day-state is in effect on date D" for one
// organization, and owns the structures that question depends on: the anchor
// log, the rule buckets, the sequence mirror, and the walk cache.
type Resolver struct {
	store   *store.Store
	keys    store.Keys
	orgID   int64
	logger  *obs.Logger
	metrics *obs.Metrics
	group   singleflight.Group
}

func New(s *store.Store, orgID int64, logger *obs.Logger, metrics *obs.Metrics) *Resolver {
	return &Resolver{
		store:   s,
		keys:    store.OrgKeys(orgID),
		orgID:   orgID,
		logger:  logger.WithComponent("resolver"),
		metrics: metrics,
	}
}

// Sequence reads the org's day-state rotation, a comma-joined id list. A
// missing key yields an empty sequence, not an error.
func (r *Resolver) Sequence(ctx context.Context) ([]int64, error) {
	val, err := r.store.Client().Get(ctx, r.keys.DaystateSequence()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read daystate sequence: %w", err)
	}
	parts := strings.Split(val, ",")
	seq := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed daystate sequence %q: %w", val, err)
		}
		seq = append(seq, id)
	}
	return seq, nil
}

// SetSequence mirrors the durable sequence into the store, wholesale. The
// walk cache is dropped with it: cached indexes are positions into the old
// sequence.
func (r *Resolver) SetSequence(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return ErrEmptySequence
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	joined := strings.Join(parts, ",")
	seqKey := r.keys.DaystateSequence()
	return r.store.Atomically(ctx, "set_sequence", []string{seqKey}, func(ctx context.Context, tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, seqKey, joined, 0)
			pipe.Del(ctx, r.keys.StateCache(), r.keys.StateCacheIndex())
			return nil
		})
		return err
	})
}

// LatestAnchor reads the head of the anchor log.
func (r *Resolver) LatestAnchor(ctx context.Context) (model.FixedDaystate, bool, error) {
	val, err := r.store.Client().LIndex(ctx, r.keys.FixedDaystates(), 0).Result()
	if errors.Is(err, redis.Nil) {
		return model.FixedDaystate{}, false, nil
	}
	if err != nil {
		return model.FixedDaystate{}, false, fmt.Errorf("read latest anchor: %w", err)
	}
	fix, err := model.ParseFixedDaystate(val)
	if err != nil {
		return model.FixedDaystate{}, false, err
	}
	return fix, true, nil
}

// PushFixedDaystate appends an authoritative anchor to the log. The new
// anchor must not predate the latest one (ErrInvalidFixDate; the log is left
// untouched), its state must appear in the sequence, and every cached walk
// day at or after it is invalidated in the same transaction, so no reader
// ever sees the new anchor alongside indexes computed without it.
func (r *Resolver) PushFixedDaystate(ctx context.Context, fix model.FixedDaystate) error {
	seq, err := r.Sequence(ctx)
	if err != nil {
		return err
	}
	if indexOf(seq, fix.StateID) < 0 {
		return fmt.Errorf("state %d not in daystate sequence", fix.StateID)
	}

	anchorKey := r.keys.FixedDaystates()
	cacheKey := r.keys.StateCache()
	idxKey := r.keys.StateCacheIndex()
	ts := model.DayTimestamp(fix.Date)
	minScore := strconv.FormatInt(ts, 10)

	err = r.store.Atomically(ctx, "push_fixed_daystate", []string{anchorKey, cacheKey, idxKey}, func(ctx context.Context, tx *redis.Tx) error {
		head, err := tx.LIndex(ctx, anchorKey, 0).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			prev, perr := model.ParseFixedDaystate(head)
			if perr != nil {
				return perr
			}
			if ts < model.DayTimestamp(prev.Date) {
				return ErrInvalidFixDate
			}
		}

		stale, err := tx.ZRangeByScore(ctx, idxKey, &redis.ZRangeBy{Min: minScore, Max: "+inf"}).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(stale) > 0 {
				pipe.HDel(ctx, cacheKey, stale...)
				pipe.ZRemRangeByScore(ctx, idxKey, minScore, "+inf")
			}
			pipe.LPush(ctx, anchorKey, fix.String())
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	r.logger.Infof("anchored org=%d %s", r.orgID, fix.String())
	return nil
}

// DaystateID resolves the state in effect on a date. Concurrent queries for
// the same (org, day) collapse into one walk.
func (r *Resolver) DaystateID(ctx context.Context, date time.Time) (int64, error) {
	key := strconv.FormatInt(r.orgID, 10) + ":" + strconv.FormatInt(model.DayTimestamp(date), 10)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, date)
	})
	if r.metrics != nil {
		var unresolved *UnresolvedDayError
		switch {
		case err == nil:
			r.metrics.ResolveTotal.WithLabelValues("success").Inc()
		case errors.As(err, &unresolved):
			r.metrics.ResolveTotal.WithLabelValues("unresolved").Inc()
		default:
			r.metrics.ResolveTotal.WithLabelValues("error").Inc()
		}
	}
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (r *Resolver) resolve(ctx context.Context, date time.Time) (int64, error) {
	seq, err := r.Sequence(ctx)
	if err != nil {
		return 0, err
	}
	if len(seq) == 0 {
		return 0, ErrEmptySequence
	}

	targetTs := model.DayTimestamp(date)
	cli := r.store.Client()
	cacheKey := r.keys.StateCache()
	idxKey := r.keys.StateCacheIndex()

	// The walk origin is the later of the most recent cached day and the
	// governing anchor; an anchor pushed after a walk outranks the cache.
	anchor, anchored, err := r.anchorAtOrBefore(ctx, targetTs)
	if err != nil {
		return 0, err
	}
	originTs, idx, haveOrigin, err := r.cachedAtOrBefore(ctx, targetTs)
	if err != nil {
		return 0, err
	}
	var anchorTs int64
	if anchored {
		anchorTs = model.DayTimestamp(anchor.Date)
	}
	if !haveOrigin || (anchored && anchorTs > originTs) {
		if !anchored {
			return 0, fmt.Errorf("%w: %s", ErrNoAnchor, model.FormatDate(date))
		}
		idx = indexOf(seq, anchor.StateID)
		if idx < 0 {
			return 0, fmt.Errorf("anchored state %d not in daystate sequence", anchor.StateID)
		}
		originTs = anchorTs
	}
	if originTs == targetTs {
		return stateAt(seq, idx)
	}

	reoccurring, err := r.reoccurringRuleSets(ctx)
	if err != nil {
		return 0, err
	}
	singles, err := r.singleUseRuleSets(ctx, originTs+model.SecondsPerDay, targetTs)
	if err != nil {
		return 0, err
	}

	type cacheEntry struct {
		ts  int64
		idx int
	}
	var walked []cacheEntry
	for ts := originTs + model.SecondsPerDay; ts <= targetTs; ts += model.SecondsPerDay {
		day := time.Unix(ts, 0).UTC()
		rs, ok := rules.ResolveForDate(day, singles, reoccurring)
		if !ok {
			return 0, &UnresolvedDayError{Date: day}
		}
		if rs.IncrDay {
			idx = (idx + 1) % len(seq)
		}
		walked = append(walked, cacheEntry{ts: ts, idx: idx})
	}

	// Memoize the walk. Insert-if-absent on both structures: an earlier
	// walker's answer for a day is trusted, never overwritten.
	if len(walked) > 0 {
		_, err := cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, e := range walked {
				field := strconv.FormatInt(e.ts, 10)
				pipe.HSetNX(ctx, cacheKey, field, strconv.Itoa(e.idx))
				pipe.ZAddNX(ctx, idxKey, redis.Z{Score: float64(e.ts), Member: field})
			}
			return nil
		})
		if err != nil {
			r.logger.Warnf("walk cache write failed org=%d: %v", r.orgID, err)
		}
	}
	if r.metrics != nil {
		r.metrics.ResolveWalkDays.Observe(float64(len(walked)))
	}
	r.logger.Debugf("resolved org=%d date=%s walked=%d", r.orgID, model.FormatDate(date), len(walked))
	return stateAt(seq, idx)
}

// OperativeRuleSet returns the rule set governing one date, single-use sets
// taking precedence over reoccurring ones.
func (r *Resolver) OperativeRuleSet(ctx context.Context, date time.Time) (rules.RuleSet, bool, error) {
	ts := model.DayTimestamp(date)
	singles, err := r.singleUseRuleSets(ctx, ts, ts)
	if err != nil {
		return rules.RuleSet{}, false, err
	}
	reoccurring, err := r.reoccurringRuleSets(ctx)
	if err != nil {
		return rules.RuleSet{}, false, err
	}
	rs, ok := rules.ResolveForDate(date, singles, reoccurring)
	return rs, ok, nil
}

func (r *Resolver) cachedAtOrBefore(ctx context.Context, targetTs int64) (int64, int, bool, error) {
	cli := r.store.Client()
	members, err := cli.ZRevRangeByScore(ctx, r.keys.StateCacheIndex(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(targetTs, 10),
		Count: 1,
	}).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("walk cache lookup: %w", err)
	}
	if len(members) == 0 {
		return 0, 0, false, nil
	}
	ts, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("malformed walk cache member %q: %w", members[0], err)
	}
	idxStr, err := cli.HGet(ctx, r.keys.StateCache(), members[0]).Result()
	if errors.Is(err, redis.Nil) {
		// Index entry without a hash entry; treat as a miss and let the
		// anchor walk repopulate it.
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("walk cache read: %w", err)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return 0, 0, false, fmt.Errorf("malformed walk cache index %q: %w", idxStr, err)
	}
	return ts, idx, true, nil
}

// anchorAtOrBefore scans the anchor log, newest first, for the first anchor
// dated at or before the target day. Pushes keep dates nondecreasing, so the
// first hit is the governing one.
func (r *Resolver) anchorAtOrBefore(ctx context.Context, targetTs int64) (model.FixedDaystate, bool, error) {
	entries, err := r.store.Client().LRange(ctx, r.keys.FixedDaystates(), 0, -1).Result()
	if err != nil {
		return model.FixedDaystate{}, false, fmt.Errorf("read anchor log: %w", err)
	}
	for _, raw := range entries {
		fix, err := model.ParseFixedDaystate(raw)
		if err != nil {
			return model.FixedDaystate{}, false, err
		}
		if model.DayTimestamp(fix.Date) <= targetTs {
			return fix, true, nil
		}
	}
	return model.FixedDaystate{}, false, nil
}

func (r *Resolver) reoccurringRuleSets(ctx context.Context) ([]rules.RuleSet, error) {
	entries, err := r.store.Client().LRange(ctx, r.keys.GlobalRules(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read reoccurring rule sets: %w", err)
	}
	sets := make([]rules.RuleSet, 0, len(entries))
	for _, raw := range entries {
		rs, err := rules.DecodeRuleSet(raw)
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}
	return sets, nil
}

// singleUseRuleSets loads all single-use sets with day timestamps in
// [fromTs, toTs].
func (r *Resolver) singleUseRuleSets(ctx context.Context, fromTs, toTs int64) ([]rules.RuleSet, error) {
	if fromTs > toTs {
		return nil, nil
	}
	entries, err := r.store.Client().ZRangeByScore(ctx, r.keys.SingleRules(), &redis.ZRangeBy{
		Min: strconv.FormatInt(fromTs, 10),
		Max: strconv.FormatInt(toTs, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read single-use rule sets: %w", err)
	}
	sets := make([]rules.RuleSet, 0, len(entries))
	for _, raw := range entries {
		rs, err := rules.DecodeRuleSet(raw)
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}
	return sets, nil
}

func indexOf(seq []int64, id int64) int {
	for i, s := range seq {
		if s == id {
			return i
		}
	}
	return -1
}

func stateAt(seq []int64, idx int) (int64, error) {
	if idx < 0 || idx >= len(seq) {
		return 0, fmt.Errorf("rotation index %d out of range for sequence of %d", idx, len(seq))
	}
	return seq[idx], nil
}
