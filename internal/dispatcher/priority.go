package dispatcher

import (
	"cmp"
	"slices"

	"github.com/ChuLiYu/buildd/pkg/types"
)

// 覆寫層級：非負覆寫排在所有未覆寫的套件之前，負值覆寫排在之後
const (
	tierDemoted = iota
	tierAuthority
	tierPinned
)

func overrideTier(name string, overrides map[string]int) int {
	p, ok := overrides[name]
	switch {
	case !ok:
		return tierAuthority
	case p < 0:
		return tierDemoted
	default:
		return tierPinned
	}
}

// Rank orders candidates for claiming: explicit override first, then
// priority, then backlog age (oldest first), then package name. Equal keys
// keep the authority's order.
//
// overrides maps a package name to a local priority. A non-negative override
// ranks the package ahead of every package without one, a negative override
// behind all of them; within a tier the priority value decides.
func Rank(cands []types.Candidate, overrides map[string]int) []types.Candidate {
	ranked := slices.Clone(cands)
	for i := range ranked {
		if p, ok := overrides[ranked[i].Ref.Name]; ok {
			ranked[i].Priority = p
		}
	}
	slices.SortStableFunc(ranked, func(a, b types.Candidate) int {
		if c := cmp.Compare(overrideTier(b.Ref.Name, overrides), overrideTier(a.Ref.Name, overrides)); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.BacklogDays, a.BacklogDays); c != 0 {
			return c
		}
		return cmp.Compare(a.Ref.Name, b.Ref.Name)
	})
	return ranked
}
