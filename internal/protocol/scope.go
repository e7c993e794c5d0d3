package protocol

import (
	"fmt"
	"sort"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/model"
)

func offeredNames(offered []model.ScopeType) []string {
	out := make([]string, 0, len(offered))
	for _, t := range offered {
		out = append(out, t.Name)
	}
	sort.Strings(out)
	return out
}

// checkScope rejects names the publisher does not offer.
func checkScope(offered []model.ScopeType, enabled []string) error {
	known := make(map[string]bool, len(offered))
	for _, t := range offered {
		known[t.Name] = true
	}
	for _, n := range enabled {
		if !known[n] {
			return fmt.Errorf("%w: %q is not offered", errs.ErrInvalidScope, n)
		}
	}
	return nil
}

// Intersect keeps the enabled names still offered.
func Intersect(enabled []string, offered []model.ScopeType) []string {
	known := make(map[string]bool, len(offered))
	for _, t := range offered {
		known[t.Name] = true
	}
	out := make([]string, 0, len(enabled))
	for _, n := range enabled {
		if known[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
