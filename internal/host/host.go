// Package host adapts the browser's extension-management surface: listing
// installed extensions and signalling lifecycle changes.
package host

import (
	"context"
	"sort"
	"sync"

	"github.com/blackwell-systems/extmon/internal/extension"
)

// ExtensionInfo is what the host reports for one installed extension.
type ExtensionInfo struct {
	ID              string
	Name            string
	ShortName       string
	Version         string
	Description     string
	Enabled         bool
	Permissions     []string
	HostPermissions []string
	Icons           []extension.Icon
	Type            string
	InstallType     string
}

// Host enumerates installed extensions.
type Host interface {
	// ListExtensions returns every installed extension, including the
	// monitor itself when it is installed as one.
	ListExtensions(ctx context.Context) ([]ExtensionInfo, error)

	// SelfID is the monitor's own extension id, or "" when it has none.
	SelfID() string
}

// Static is an in-memory Host whose extension list is replaced with Set.
// Safe for concurrent use.
type Static struct {
	mu     sync.Mutex
	self   string
	exts   map[string]ExtensionInfo
	err    error
	listed int
}

// NewStatic returns a Static host reporting exts.
func NewStatic(self string, exts ...ExtensionInfo) *Static {
	s := &Static{self: self}
	s.Set(exts...)
	return s
}

// Set replaces the installed extension list.
func (s *Static) Set(exts ...ExtensionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exts = make(map[string]ExtensionInfo, len(exts))
	for _, e := range exts {
		s.exts[e.ID] = e
	}
}

// Remove uninstalls id.
func (s *Static) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exts, id)
}

// FailWith makes ListExtensions return err until called again with nil.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many times ListExtensions ran.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listed
}

// ListExtensions returns the current list sorted by id.
func (s *Static) ListExtensions(ctx context.Context) ([]ExtensionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listed++
	if s.err != nil {
		return nil, s.err
	}

	out := make([]ExtensionInfo, 0, len(s.exts))
	for _, e := range s.exts {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SelfID returns the configured own id.
func (s *Static) SelfID() string {
	return s.self
}
