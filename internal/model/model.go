// Package model defines domain entities used by stores, protocol and sync services.
package model

import (
	"sort"
	"strings"
	"time"
)

// RequestKind names the outbound request flows.
type RequestKind string

// Request kinds handled by the protocol layer.
const (
	KindSubscribe   RequestKind = "subscribe"
	KindUpdate      RequestKind = "update"
	KindDelete      RequestKind = "delete"
	KindResubscribe RequestKind = "resubscribe"
)

// DappMetadata is the publisher description advertised in its notify config.
type DappMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"` // https://<domain>
	Icons       []string `json:"icons,omitempty"`
}

// ScopeType is a single notification type a publisher offers.
type ScopeType struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	TS          int64  `json:"ts"` // logical update timestamp of this entry
}

// Scope maps notification type name to its entry.
type Scope map[string]ScopeType

// Subscription is a single dapp subscription owned by the subscription store.
type Subscription struct {
	Topic      string       `json:"topic"`   // relay routing key, sym-key id; immutable
	Account    string       `json:"account"` // CAIP-10 subscriber account
	AppDomain  string       `json:"appDomain"`
	AppAuthKey string       `json:"appAuthenticationKey"` // did:key of the publisher's signing key
	Metadata   DappMetadata `json:"metadata"`
	Scope      Scope        `json:"scope"`
	SymKey     string       `json:"symKey"` // hex, shared with sibling devices
	Expiry     time.Time    `json:"expiry"`

	MetaTS    int64 `json:"metaTs"`              // logical timestamp of the non-scope fields
	DeletedTS int64 `json:"deletedTs,omitempty"` // tombstone; 0 while alive
}

// Deleted reports whether the record is a tombstone that wins over every other field-set.
func (s Subscription) Deleted() bool {
	if s.DeletedTS == 0 {
		return false
	}
	if s.DeletedTS < s.MetaTS {
		return false
	}
	for _, t := range s.Scope {
		if s.DeletedTS < t.TS {
			return false
		}
	}
	return true
}

// Expired reports whether the subscription expiry is in the past.
func (s Subscription) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && now.After(s.Expiry)
}

// LatestTS returns the newest logical timestamp carried by the record.
func (s Subscription) LatestTS() int64 {
	ts := s.MetaTS
	if s.DeletedTS > ts {
		ts = s.DeletedTS
	}
	for _, t := range s.Scope {
		if t.TS > ts {
			ts = t.TS
		}
	}
	return ts
}

// Clone returns a deep copy so callers never share the scope map.
func (s Subscription) Clone() Subscription {
	out := s
	out.Scope = s.Scope.Clone()
	out.Metadata.Icons = append([]string(nil), s.Metadata.Icons...)
	return out
}

// NotifyMessage is a decrypted notification delivered on a subscription topic.
type NotifyMessage struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Icon        string            `json:"icon,omitempty"`
	URL         string            `json:"url,omitempty"`
	Type        string            `json:"type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	PublishedAt time.Time         `json:"publishedAt"`
}

// PendingRequest is an outbound request awaiting its correlated response.
type PendingRequest struct {
	ID       string
	Topic    string
	Kind     RequestKind
	IssuedAt time.Time
	Timeout  time.Duration
}

// ChangeKind classifies subscription store notifications.
type ChangeKind string

// Change kinds published by the subscription store.
const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change is an entry of the subscriptions-changed stream.
type Change struct {
	Kind         ChangeKind   `json:"kind"`
	Subscription Subscription `json:"subscription"`
}

// Clone returns a deep copy of the scope.
func (sc Scope) Clone() Scope {
	if sc == nil {
		return nil
	}
	out := make(Scope, len(sc))
	for k, v := range sc {
		out[k] = v
	}
	return out
}

// Enabled returns the sorted names of enabled types.
func (sc Scope) Enabled() []string {
	out := make([]string, 0, len(sc))
	for name, t := range sc {
		if t.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Names returns the sorted names of every type, enabled or not.
func (sc Scope) Names() []string {
	out := make([]string, 0, len(sc))
	for name := range sc {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// String renders enabled types as the space separated claim value.
func (sc Scope) String() string { return strings.Join(sc.Enabled(), " ") }

// ParseScopeClaim splits a space separated scope claim.
func ParseScopeClaim(claim string) []string {
	fields := strings.Fields(claim)
	sort.Strings(fields)
	return fields
}

// BuildScope projects the publisher's offered types onto the enabled set, stamping
// every entry with ts. Enabled names not offered are dropped.
func BuildScope(offered []ScopeType, enabled []string, ts int64) Scope {
	on := make(map[string]bool, len(enabled))
	for _, n := range enabled {
		on[n] = true
	}
	out := make(Scope, len(offered))
	for _, t := range offered {
		out[t.Name] = ScopeType{Name: t.Name, Description: t.Description, Enabled: on[t.Name], TS: ts}
	}
	return out
}

// SameTypes reports whether the scope offers exactly the given type names.
func (sc Scope) SameTypes(offered []ScopeType) bool {
	if len(sc) != len(offered) {
		return false
	}
	for _, t := range offered {
		if _, ok := sc[t.Name]; !ok {
			return false
		}
	}
	return true
}
