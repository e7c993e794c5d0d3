package syncer

import (
	"bytes"
	"encoding/json"

	"github.com/and161185/goph-notify/internal/model"
)

// Merge combines two versions of one subscription. Every field-set is last-writer-wins on
// its own logical timestamp: the metadata fields on MetaTS, each scope type on its TS, the
// tombstone on DeletedTS. A scope type tie resolves to enabled. When offered is non-nil
// the merged scope keeps only the types the publisher still offers.
//
// Merge is commutative, associative and idempotent, so replicas converge regardless of the
// order deltas arrive in.
func Merge(a, b model.Subscription, offered []model.ScopeType) model.Subscription {
	out := pickMeta(a, b)
	out.Topic = a.Topic
	if out.Topic == "" {
		out.Topic = b.Topic
	}
	out.DeletedTS = max(a.DeletedTS, b.DeletedTS)

	scope := make(model.Scope, len(a.Scope)+len(b.Scope))
	for name, t := range a.Scope {
		scope[name] = t
	}
	for name, t := range b.Scope {
		if cur, ok := scope[name]; ok {
			t = pickType(cur, t)
		}
		scope[name] = t
	}
	if offered != nil {
		keep := make(map[string]bool, len(offered))
		for _, t := range offered {
			keep[t.Name] = true
		}
		for name := range scope {
			if !keep[name] {
				delete(scope, name)
			}
		}
	}
	out.Scope = scope
	return out
}

// pickMeta returns a copy of the record with the newer metadata. Ties fall back to the
// larger encoding so both argument orders choose alike.
func pickMeta(a, b model.Subscription) model.Subscription {
	switch {
	case a.MetaTS > b.MetaTS:
		return a.Clone()
	case b.MetaTS > a.MetaTS:
		return b.Clone()
	}
	if bytes.Compare(metaKey(a), metaKey(b)) >= 0 {
		return a.Clone()
	}
	return b.Clone()
}

func metaKey(s model.Subscription) []byte {
	b, _ := json.Marshal(struct {
		Account, AppDomain, AppAuthKey, SymKey string
		Metadata                               model.DappMetadata
		Expiry                                 int64
	}{s.Account, s.AppDomain, s.AppAuthKey, s.SymKey, s.Metadata, s.Expiry.UnixNano()})
	return b
}

func pickType(a, b model.ScopeType) model.ScopeType {
	switch {
	case a.TS > b.TS:
		return a
	case b.TS > a.TS:
		return b
	case a.Enabled != b.Enabled:
		if a.Enabled {
			return a
		}
		return b
	case a.Description >= b.Description:
		return a
	default:
		return b
	}
}

// sameRecord reports whether two records are identical field by field.
func sameRecord(a, b model.Subscription) bool {
	x, _ := json.Marshal(a)
	y, _ := json.Marshal(b)
	return bytes.Equal(x, y)
}
