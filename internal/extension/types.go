// Package extension defines the data model shared by the registry, the
// aggregator and the storage backends.
package extension

import (
	"sort"
	"strings"
	"time"
)

// ResourceType is the host's classification of a network request.
type ResourceType string

// Resource types reported by the host network stream.
const (
	ResourceMainFrame      ResourceType = "main_frame"
	ResourceSubFrame       ResourceType = "sub_frame"
	ResourceStylesheet     ResourceType = "stylesheet"
	ResourceScript         ResourceType = "script"
	ResourceImage          ResourceType = "image"
	ResourceFont           ResourceType = "font"
	ResourceObject         ResourceType = "object"
	ResourceXMLHTTPRequest ResourceType = "xmlhttprequest"
	ResourcePing           ResourceType = "ping"
	ResourceCSPReport      ResourceType = "csp_report"
	ResourceMedia          ResourceType = "media"
	ResourceWebSocket      ResourceType = "websocket"
	ResourceWebTransport   ResourceType = "webtransport"
	ResourceWebBundle      ResourceType = "webbundle"
	ResourceOther          ResourceType = "other"
)

// NormalizeResourceType lower-cases t and maps the empty string to "other".
// Unknown types are kept as-is so new host vocabulary is still counted.
func NormalizeResourceType(t string) ResourceType {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return ResourceOther
	}
	return ResourceType(t)
}

// Icon is one entry of an extension's icon set.
type Icon struct {
	Size int    `json:"size" msgpack:"size"`
	URL  string `json:"url" msgpack:"url"`
}

// TrackedExtension is the registry's snapshot of one installed extension.
type TrackedExtension struct {
	ID              string    `json:"id" msgpack:"id"`
	Name            string    `json:"name" msgpack:"name"`
	ShortName       string    `json:"shortName,omitempty" msgpack:"short_name"`
	Version         string    `json:"version" msgpack:"version"`
	Description     string    `json:"description,omitempty" msgpack:"description"`
	Enabled         bool      `json:"enabled" msgpack:"enabled"`
	Permissions     []string  `json:"permissions" msgpack:"permissions"`
	HostPermissions []string  `json:"hostPermissions" msgpack:"host_permissions"`
	Icons           []Icon    `json:"icons,omitempty" msgpack:"icons"`
	Type            string    `json:"type,omitempty" msgpack:"type"`
	InstallType     string    `json:"installType,omitempty" msgpack:"install_type"`
	LastUpdated     time.Time `json:"lastUpdated" msgpack:"last_updated"`
	IsTracked       bool      `json:"isTracked" msgpack:"is_tracked"`
}

// DisplayName returns the short name when set, otherwise the name.
func (e TrackedExtension) DisplayName() string {
	if e.ShortName != "" {
		return e.ShortName
	}
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}

// NetworkStats holds the cumulative request counters of one extension.
// Every counter is non-decreasing and FirstTracked never changes once set.
type NetworkStats struct {
	ExtensionID      string                  `json:"extensionId" msgpack:"extension_id"`
	TotalRequests    uint64                  `json:"totalRequests" msgpack:"total_requests"`
	RequestsByType   map[ResourceType]uint64 `json:"requestsByType" msgpack:"requests_by_type"`
	RequestsByDomain map[string]uint64       `json:"requestsByDomain" msgpack:"requests_by_domain"`
	LastRequest      time.Time               `json:"lastRequest" msgpack:"last_request"`
	FirstTracked     time.Time               `json:"firstTracked" msgpack:"first_tracked"`
}

// PerformanceStats is written only by the sampler and may stay all-zero.
type PerformanceStats struct {
	LastUpdated time.Time `json:"lastUpdated" msgpack:"last_updated"`
	CPU         float64   `json:"cpu" msgpack:"cpu"`
	Memory      uint64    `json:"memory" msgpack:"memory"`
	Updates     uint64    `json:"updates" msgpack:"updates"`
}

// CombinedStats is the persisted record for one extension.
type CombinedStats struct {
	Extension   TrackedExtension `json:"extension" msgpack:"extension"`
	Network     NetworkStats     `json:"network" msgpack:"network"`
	Performance PerformanceStats `json:"performance" msgpack:"performance"`
}

// StoreSnapshot is the read model handed to the presentation layer.
type StoreSnapshot struct {
	Extensions  map[string]CombinedStats `json:"extensions" msgpack:"extensions"`
	LastUpdated time.Time                `json:"lastUpdated" msgpack:"last_updated"`
}

// IDs returns the snapshot's extension ids in sorted order.
func (s StoreSnapshot) IDs() []string {
	ids := make([]string, 0, len(s.Extensions))
	for id := range s.Extensions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NormalizeSet sorts and de-duplicates a permission list. Empty entries are
// dropped and a nil input yields an empty, non-nil slice.
func NormalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of cs so callers can mutate it without touching
// shared maps or slices.
func (cs CombinedStats) Clone() CombinedStats {
	out := cs
	out.Extension.Permissions = cloneStrings(cs.Extension.Permissions)
	out.Extension.HostPermissions = cloneStrings(cs.Extension.HostPermissions)
	if cs.Extension.Icons != nil {
		out.Extension.Icons = append([]Icon(nil), cs.Extension.Icons...)
	}
	out.Network = cs.Network.Clone()
	return out
}

// Clone returns a deep copy of ns.
func (ns NetworkStats) Clone() NetworkStats {
	out := ns
	out.RequestsByType = make(map[ResourceType]uint64, len(ns.RequestsByType))
	for k, v := range ns.RequestsByType {
		out.RequestsByType[k] = v
	}
	out.RequestsByDomain = make(map[string]uint64, len(ns.RequestsByDomain))
	for k, v := range ns.RequestsByDomain {
		out.RequestsByDomain[k] = v
	}
	return out
}

// Clone returns a deep copy of the snapshot.
func (s StoreSnapshot) Clone() StoreSnapshot {
	out := StoreSnapshot{
		Extensions:  make(map[string]CombinedStats, len(s.Extensions)),
		LastUpdated: s.LastUpdated,
	}
	for id, cs := range s.Extensions {
		out.Extensions[id] = cs.Clone()
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
