package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/blackwell-systems/extmon/internal/extension"
)

// ChromiumProfile enumerates extensions installed in a Chromium-family
// browser profile directory (e.g. ~/.config/google-chrome/Default).
//
// Layout read:
//
//	<profile>/Extensions/<id>/<version>/manifest.json
//	<profile>/Extensions/<id>/<version>/_locales/<locale>/messages.json
//	<profile>/Preferences   (extensions.settings.<id>.state / location)
type ChromiumProfile struct {
	dir  string
	self string
}

// NewChromiumProfile returns a Host reading dir. self is the monitor's own
// extension id and may be empty.
func NewChromiumProfile(dir, self string) *ChromiumProfile {
	return &ChromiumProfile{dir: dir, self: self}
}

// Dir returns the profile directory.
func (c *ChromiumProfile) Dir() string {
	return c.dir
}

// ExtensionsDir returns the directory holding unpacked extensions.
func (c *ChromiumProfile) ExtensionsDir() string {
	return filepath.Join(c.dir, "Extensions")
}

// SelfID returns the monitor's own id.
func (c *ChromiumProfile) SelfID() string {
	return c.self
}

type manifest struct {
	Name            string            `json:"name"`
	ShortName       string            `json:"short_name"`
	Version         string            `json:"version"`
	Description     string            `json:"description"`
	DefaultLocale   string            `json:"default_locale"`
	Permissions     []json.RawMessage `json:"permissions"`
	HostPermissions []string          `json:"host_permissions"`
	Icons           map[string]string `json:"icons"`
	App             json.RawMessage   `json:"app"`
	Theme           json.RawMessage   `json:"theme"`
}

type preferences struct {
	Extensions struct {
		Settings map[string]extensionSetting `json:"settings"`
	} `json:"extensions"`
}

type extensionSetting struct {
	State          *int `json:"state"`
	Location       int  `json:"location"`
	DisableReasons any  `json:"disable_reasons"`
}

// ListExtensions reads every extension under the profile. A missing
// Extensions directory yields an empty list; an unreadable manifest skips
// that extension only.
func (c *ChromiumProfile) ListExtensions(ctx context.Context) ([]ExtensionInfo, error) {
	entries, err := os.ReadDir(c.ExtensionsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read extensions dir: %w", err)
	}

	settings, err := c.readSettings()
	if err != nil {
		return nil, err
	}

	var out []ExtensionInfo
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), "Temp") {
			continue
		}

		info, err := c.readExtension(entry.Name())
		if err != nil {
			continue
		}
		if s, ok := settings[info.ID]; ok {
			info.Enabled = s.enabled()
			info.InstallType = installType(s.Location)
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *ChromiumProfile) readSettings() (map[string]extensionSetting, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, "Preferences"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}

	var prefs preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	return prefs.Extensions.Settings, nil
}

func (c *ChromiumProfile) readExtension(id string) (ExtensionInfo, error) {
	versionDir, err := latestVersionDir(filepath.Join(c.ExtensionsDir(), id))
	if err != nil {
		return ExtensionInfo{}, err
	}

	data, err := os.ReadFile(filepath.Join(versionDir, "manifest.json"))
	if err != nil {
		return ExtensionInfo{}, fmt.Errorf("failed to read manifest for %s: %w", id, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return ExtensionInfo{}, fmt.Errorf("failed to parse manifest for %s: %w", id, err)
	}

	messages := loadMessages(versionDir, m.DefaultLocale)
	perms, hostPerms := splitPermissions(m.Permissions)

	info := ExtensionInfo{
		ID:              id,
		Name:            localize(m.Name, messages),
		ShortName:       localize(m.ShortName, messages),
		Version:         m.Version,
		Description:     localize(m.Description, messages),
		Enabled:         true,
		Permissions:     extension.NormalizeSet(perms),
		HostPermissions: extension.NormalizeSet(append(hostPerms, m.HostPermissions...)),
		Icons:           icons(m.Icons),
		Type:            manifestType(m),
		InstallType:     "normal",
	}
	return info, nil
}

func (s extensionSetting) enabled() bool {
	if s.State != nil && *s.State == 0 {
		return false
	}
	switch r := s.DisableReasons.(type) {
	case float64:
		return r == 0
	case []any:
		return len(r) == 0
	}
	return true
}

// installType maps Chromium's Manifest::Location to the host API's
// installType vocabulary.
func installType(location int) string {
	switch location {
	case 1:
		return "normal"
	case 4, 8:
		return "development"
	case 7, 9:
		return "admin"
	case 2, 3, 6:
		return "sideload"
	default:
		return "other"
	}
}

func manifestType(m manifest) string {
	if len(m.Theme) > 0 {
		return "theme"
	}
	if len(m.App) > 0 {
		return "packaged_app"
	}
	return "extension"
}

// splitPermissions separates API permissions from host match patterns,
// which manifest v2 lists in the same array. Object-valued entries are
// ignored.
func splitPermissions(raw []json.RawMessage) ([]string, []string) {
	var perms, hosts []string
	for _, r := range raw {
		var p string
		if err := json.Unmarshal(r, &p); err != nil {
			continue
		}
		if p == "<all_urls>" || strings.Contains(p, "://") {
			hosts = append(hosts, p)
			continue
		}
		perms = append(perms, p)
	}
	return perms, hosts
}

func icons(m map[string]string) []extension.Icon {
	if len(m) == 0 {
		return nil
	}
	out := make([]extension.Icon, 0, len(m))
	for size, url := range m {
		n, err := strconv.Atoi(size)
		if err != nil {
			continue
		}
		out = append(out, extension.Icon{Size: n, URL: url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Size < out[j].Size })
	return out
}

// loadMessages reads _locales/<locale>/messages.json. Keys are lower-cased;
// message lookups are case-insensitive.
func loadMessages(versionDir, locale string) map[string]string {
	if locale == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(versionDir, "_locales", locale, "messages.json"))
	if err != nil {
		return nil
	}

	var raw map[string]struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToLower(k)] = v.Message
	}
	return out
}

// localize resolves a "__MSG_key__" placeholder.
func localize(s string, messages map[string]string) string {
	if !strings.HasPrefix(s, "__MSG_") || !strings.HasSuffix(s, "__") || len(s) <= len("__MSG_")+2 {
		return s
	}
	key := strings.ToLower(s[len("__MSG_") : len(s)-2])
	if msg, ok := messages[key]; ok {
		return msg
	}
	return s
}

// latestVersionDir returns the highest versioned subdirectory of dir.
// Chromium names them "<version>_<n>", e.g. "1.52.2_0".
func latestVersionDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	best := ""
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if best == "" || compareVersions(e.Name(), best) > 0 {
			best = e.Name()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no version directory in %s", dir)
	}
	return filepath.Join(dir, best), nil
}

// compareVersions compares dotted versions component-wise numerically.
// The "_n" install suffix is compared as a final component.
func compareVersions(a, b string) int {
	pa := versionParts(a)
	pb := versionParts(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a, b)
}

func versionParts(v string) []int {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '_' })
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		parts = append(parts, n)
	}
	return parts
}
