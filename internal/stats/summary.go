package stats

import (
	"sort"

	"github.com/blackwell-systems/extmon/internal/extension"
)

// Count is a labelled counter used by the summary helpers.
type Count struct {
	Name  string
	Count uint64
}

// TopPermissions counts how many extensions request each permission and
// returns the n most common, ties broken by name.
func TopPermissions(snap extension.StoreSnapshot, n int) []Count {
	counts := make(map[string]uint64)
	for _, cs := range snap.Extensions {
		for _, p := range cs.Extension.Permissions {
			counts[p]++
		}
	}
	return top(counts, n)
}

// TopDomains returns the n most requested domains of ns.
func TopDomains(ns extension.NetworkStats, n int) []Count {
	return top(ns.RequestsByDomain, n)
}

// Totals aggregates a snapshot for summary cards.
type Totals struct {
	Extensions int
	Enabled    int
	Requests   uint64
	Domains    int
}

// Summarize computes Totals over every record in snap. Domains counts
// distinct domains across all extensions.
func Summarize(snap extension.StoreSnapshot) Totals {
	var t Totals
	domains := make(map[string]struct{})
	for _, cs := range snap.Extensions {
		t.Extensions++
		if cs.Extension.Enabled {
			t.Enabled++
		}
		t.Requests += cs.Network.TotalRequests
		for d := range cs.Network.RequestsByDomain {
			domains[d] = struct{}{}
		}
	}
	t.Domains = len(domains)
	return t
}

func top(counts map[string]uint64, n int) []Count {
	out := make([]Count, 0, len(counts))
	for name, c := range counts {
		out = append(out, Count{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
