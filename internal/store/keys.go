// Package store wraps the shared Redis instance that holds all live,
// rapidly-changing organization state: active-queue registries, borrow/lend
// queues, token counters, day-state anchors, rule buckets, and the resolver
// cache. Every key is namespaced by organization id. All multi-step mutations
// run through Atomically, which maps the store's optimistic WATCH/MULTI
// transactions onto a bounded caller-side retry loop.
package store

import (
	"strconv"
	"time"

	"github.com/inpassing/liveorg/internal/model"
)

// Keys names the per-organization structures in the shared store.
type Keys struct {
	prefix string
}

// OrgKeys returns the key namespace for one organization.
func OrgKeys(orgID int64) Keys {
	return Keys{prefix: strconv.FormatInt(orgID, 10) + ":"}
}

func (k Keys) ActiveQueueSet() string  { return k.prefix + "active-queues-set" }
func (k Keys) ActiveQueueList() string { return k.prefix + "active-queues-list" }

// Scratch keys used by registry reconciliation.
func (k Keys) ActiveQueueTempSet() string { return k.prefix + "active-queues-temp-set" }
func (k Keys) ActiveQueueDiffSet() string { return k.prefix + "active-queues-diff-set" }

func (k Keys) BorrowQueue(date time.Time) string {
	return k.prefix + model.FormatDate(date) + ":borrow"
}

func (k Keys) LendQueue(date time.Time) string {
	return k.prefix + model.FormatDate(date) + ":lend"
}

// TokenHash returns the id→token counter hash for a participant kind, or
// ("", false) for an unrecognized kind.
func (k Keys) TokenHash(kind model.ObjKind) (string, bool) {
	switch kind {
	case model.ObjUser:
		return k.prefix + "user-tokens", true
	case model.ObjPass:
		return k.prefix + "pass-tokens", true
	}
	return "", false
}

func (k Keys) FixedDaystates() string   { return k.prefix + "fixed-daystates" }
func (k Keys) DaystateSequence() string { return k.prefix + "daystate-sequence" }

func (k Keys) GlobalRules() string { return k.prefix + "global-rules" }
func (k Keys) SingleRules() string { return k.prefix + "single-rules" }

// The resolver cache is held redundantly, like the registry: a hash from day
// timestamp to rotation index, plus a sorted set of the cached timestamps for
// at-or-before range lookups.
func (k Keys) StateCache() string      { return k.prefix + "current-state-cache" }
func (k Keys) StateCacheIndex() string { return k.prefix + "current-state-cache-index" }
