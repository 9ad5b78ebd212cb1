// Package stats merges single events into per-extension statistics.
//
// Every function here is pure: inputs are never mutated and no I/O is
// performed. Callers are responsible for serializing the surrounding
// read-modify-write per extension id.
package stats

import (
	"time"

	"github.com/blackwell-systems/extmon/internal/extension"
)

// NewCombined returns the create-if-absent record for ext with zero counters.
func NewCombined(ext extension.TrackedExtension, now time.Time) extension.CombinedStats {
	return extension.CombinedStats{
		Extension: ext,
		Network:   NewNetwork(ext.ID, now),
	}
}

// NewNetwork returns zeroed network stats first tracked at now.
func NewNetwork(id string, now time.Time) extension.NetworkStats {
	return extension.NetworkStats{
		ExtensionID:      id,
		RequestsByType:   make(map[extension.ResourceType]uint64),
		RequestsByDomain: make(map[string]uint64),
		LastRequest:      now,
		FirstTracked:     now,
	}
}

// ApplyRequest counts one completed request of type typ to domain at now.
//
// LastRequest only moves forward, so out-of-order timestamps never break
// FirstTracked <= LastRequest.
func ApplyRequest(ns extension.NetworkStats, typ extension.ResourceType, domain string, now time.Time) extension.NetworkStats {
	out := ns.Clone()
	if out.FirstTracked.IsZero() {
		out.FirstTracked = now
	}

	out.TotalRequests++
	if now.After(out.LastRequest) {
		out.LastRequest = now
	}
	if out.LastRequest.Before(out.FirstTracked) {
		out.LastRequest = out.FirstTracked
	}

	out.RequestsByType[typ]++
	out.RequestsByDomain[domain]++
	return out
}

// ApplyMetadata replaces the extension metadata of cs and leaves the
// counters untouched.
func ApplyMetadata(cs extension.CombinedStats, ext extension.TrackedExtension) extension.CombinedStats {
	out := cs.Clone()
	out.Extension = ext
	if out.Network.ExtensionID == "" {
		out.Network.ExtensionID = ext.ID
	}
	return out
}

// Sample is one CPU/memory reading for an extension.
type Sample struct {
	CPU    float64 `json:"cpu"`
	Memory uint64  `json:"memory"`
}

// ApplyPerformance records sample as the latest performance reading.
func ApplyPerformance(cs extension.CombinedStats, sample Sample, now time.Time) extension.CombinedStats {
	out := cs.Clone()
	out.Performance = extension.PerformanceStats{
		LastUpdated: now,
		CPU:         sample.CPU,
		Memory:      sample.Memory,
		Updates:     cs.Performance.Updates + 1,
	}
	return out
}
