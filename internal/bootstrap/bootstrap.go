// Package bootstrap loads roles, identities and blocklist entries from a YAML
// file. It seeds the Postgres store and backs in-memory development runs.
package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/accessgate/internal/ipguard"
	"github.com/odyssey-erp/accessgate/internal/rbac"
	"github.com/odyssey-erp/accessgate/internal/users"
)

// ErrInvalidFile wraps every content error found while loading.
var ErrInvalidFile = errors.New("bootstrap: invalid file")

// File is the decoded bootstrap document.
type File struct {
	Roles      []rbac.Role     `json:"roles"`
	Identities []users.Account `json:"identities"`
	Blocklist  []string        `json:"blocklist"`
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML through the JSON field names used by the HTTP API, so
// both surfaces accept the same shapes.
func Parse(raw []byte) (*File, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	payload, err := json.Marshal(normalize(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	var f File
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	for _, role := range f.Roles {
		if err := rbac.Validate(role); err != nil {
			return fmt.Errorf("%w: role %q: %w", ErrInvalidFile, role.ID, err)
		}
	}
	graph := rbac.NewGraph()
	if err := graph.Replace(f.Roles); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	seen := make(map[string]struct{}, len(f.Identities))
	for _, account := range f.Identities {
		if account.ID == "" {
			return fmt.Errorf("%w: identity without id", ErrInvalidFile)
		}
		if _, dup := seen[account.ID]; dup {
			return fmt.Errorf("%w: duplicate identity %q", ErrInvalidFile, account.ID)
		}
		seen[account.ID] = struct{}{}
		for _, roleID := range account.RoleIDs {
			if _, ok := graph.Role(roleID); !ok {
				return fmt.Errorf("%w: identity %q: unknown role %q", ErrInvalidFile, account.ID, roleID)
			}
		}
	}
	if _, err := ipguard.NewBlocklist(f.Blocklist...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	return nil
}

// Graph returns a role graph holding the file's roles.
func (f *File) Graph() (*rbac.Graph, error) {
	graph := rbac.NewGraph()
	if err := graph.Replace(f.Roles); err != nil {
		return nil, err
	}
	return graph, nil
}

// normalize turns the generic YAML tree into something encoding/json accepts.
// Unquoted dates come back from YAML as timestamps and are folded back to
// their calendar form.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalize(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalize(item)
		}
		return t
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	default:
		return v
	}
}
