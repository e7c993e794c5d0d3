package syncer

import (
	"testing"
	"time"

	"github.com/and161185/goph-notify/internal/model"
	"github.com/stretchr/testify/require"
)

func base() model.Subscription {
	return model.Subscription{
		Topic:      "t1",
		Account:    "eip155:1:0xabc",
		AppDomain:  "app.example",
		AppAuthKey: "did:key:z6Mk",
		SymKey:     "00",
		Expiry:     time.Unix(1_700_000_000, 0).UTC(),
		MetaTS:     10,
		Scope: model.Scope{
			"alerts": {Name: "alerts", Enabled: true, TS: 10},
			"news":   {Name: "news", Enabled: false, TS: 10},
		},
	}
}

func TestMerge_CommutativeAndIdempotent(t *testing.T) {
	t.Parallel()

	a := base()
	b := base()
	b.Scope["news"] = model.ScopeType{Name: "news", Enabled: true, TS: 20}
	b.Metadata.Name = "Renamed"
	b.MetaTS = 15
	c := base()
	c.Scope["alerts"] = model.ScopeType{Name: "alerts", Enabled: false, TS: 30}
	d := base()
	d.DeletedTS = 12

	versions := []model.Subscription{a, b, c, d}
	for _, x := range versions {
		for _, y := range versions {
			require.True(t, sameRecord(Merge(x, y, nil), Merge(y, x, nil)))
			for _, z := range versions {
				left := Merge(Merge(x, y, nil), z, nil)
				right := Merge(x, Merge(y, z, nil), nil)
				require.True(t, sameRecord(left, right))
			}
		}
		require.True(t, sameRecord(Merge(x, x, nil), x))
	}

	all := Merge(Merge(Merge(a, b, nil), c, nil), d, nil)
	require.Equal(t, "Renamed", all.Metadata.Name)
	require.Equal(t, []string{"news"}, all.Scope.Enabled())
	require.False(t, all.Deleted(), "field updates newer than the tombstone keep it alive")
}

func TestMerge_ScopeTieResolvesToEnabled(t *testing.T) {
	t.Parallel()

	a := base()
	b := base()
	a.Scope["news"] = model.ScopeType{Name: "news", Enabled: false, TS: 40}
	b.Scope["news"] = model.ScopeType{Name: "news", Enabled: true, TS: 40}

	require.True(t, Merge(a, b, nil).Scope["news"].Enabled)
	require.True(t, Merge(b, a, nil).Scope["news"].Enabled)
}

func TestMerge_TombstoneWinsOverOlderFields(t *testing.T) {
	t.Parallel()

	live := base()
	tomb := base()
	tomb.DeletedTS = 50

	require.True(t, Merge(live, tomb, nil).Deleted())
	require.True(t, Merge(tomb, live, nil).Deleted())
}

func TestMerge_NarrowsToOfferedTypes(t *testing.T) {
	t.Parallel()

	a := base()
	b := base()
	b.Scope["promo"] = model.ScopeType{Name: "promo", Enabled: true, TS: 60}

	out := Merge(a, b, []model.ScopeType{{Name: "alerts"}, {Name: "news"}})
	require.Equal(t, []string{"alerts", "news"}, out.Scope.Names())

	out = Merge(a, b, nil)
	require.Equal(t, []string{"alerts", "news", "promo"}, out.Scope.Names())
}
