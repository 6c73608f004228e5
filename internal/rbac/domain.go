package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Level is a single capability a role may hold on a module.
type Level uint8

// Permission levels. Holding one level never implies another.
const (
	LevelRead Level = 1 << iota
	LevelCreate
	LevelUpdate
	LevelDelete
	LevelManage
)

var allLevels = []Level{LevelRead, LevelCreate, LevelUpdate, LevelDelete, LevelManage}

var levelNames = map[Level]string{
	LevelRead:   "read",
	LevelCreate: "create",
	LevelUpdate: "update",
	LevelDelete: "delete",
	LevelManage: "manage",
}

// ParseLevel converts the wire name of a level.
func ParseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for level, n := range levelNames {
		if n == name {
			return level, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, raw)
}

// Valid reports whether l is one of the declared levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, uint8(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// LevelSet is a bitmask of levels held on one module.
type LevelSet uint8

// NewLevelSet builds a set from the given levels.
func NewLevelSet(levels ...Level) LevelSet {
	var s LevelSet
	for _, l := range levels {
		s = s.With(l)
	}
	return s
}

// Has reports membership of a single level.
func (s LevelSet) Has(l Level) bool {
	return l.Valid() && s&LevelSet(l) != 0
}

// With returns s plus l.
func (s LevelSet) With(l Level) LevelSet {
	if !l.Valid() {
		return s
	}
	return s | LevelSet(l)
}

// Levels lists the members in canonical order.
func (s LevelSet) Levels() []Level {
	out := make([]Level, 0, len(allLevels))
	for _, l := range allLevels {
		if s.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

// Module names an administrative area of the storefront.
type Module string

// Storefront and dashboard modules.
const (
	ModuleProducts   Module = "products"
	ModuleCategories Module = "categories"
	ModuleOrders     Module = "orders"
	ModuleCustomers  Module = "customers"
	ModuleAnalytics  Module = "analytics"
	ModuleSecurity   Module = "security"
	ModuleRoles      Module = "roles"
	ModuleUsers      Module = "users"
	ModuleSettings   Module = "settings"
)

// PermissionEntry grants a set of levels on one module.
type PermissionEntry struct {
	Module Module  `json:"module" validate:"required,max=64,module"`
	Levels []Level `json:"levels" validate:"required,min=1,dive,level"`
}

// PermissionSet maps a module to the levels held on it.
type PermissionSet map[Module]LevelSet

// PermissionSetOf folds entries into a set.
func PermissionSetOf(entries []PermissionEntry) PermissionSet {
	set := make(PermissionSet, len(entries))
	set.AddEntries(entries)
	return set
}

// Grant adds levels on a module.
func (p PermissionSet) Grant(module Module, levels ...Level) {
	p[module] = p[module] | NewLevelSet(levels...)
}

// AddEntries grants every entry.
func (p PermissionSet) AddEntries(entries []PermissionEntry) {
	for _, e := range entries {
		p.Grant(e.Module, e.Levels...)
	}
}

// Has reports whether level is held on module.
func (p PermissionSet) Has(module Module, level Level) bool {
	return p[module].Has(level)
}

// Union merges other into p.
func (p PermissionSet) Union(other PermissionSet) {
	for module, levels := range other {
		p[module] = p[module] | levels
	}
}

// Clone returns an independent copy.
func (p PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(p))
	for module, levels := range p {
		out[module] = levels
	}
	return out
}

// Modules lists modules in lexical order.
func (p PermissionSet) Modules() []Module {
	out := make([]Module, 0, len(p))
	for module, levels := range p {
		if levels != 0 {
			out = append(out, module)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entries converts the set back into ordered entries.
func (p PermissionSet) Entries() []PermissionEntry {
	modules := p.Modules()
	out := make([]PermissionEntry, 0, len(modules))
	for _, module := range modules {
		out = append(out, PermissionEntry{Module: module, Levels: p[module].Levels()})
	}
	return out
}

// TimeWindow is a recurring weekly access window in HH:MM local time.
type TimeWindow struct {
	Days  []time.Weekday `json:"days" validate:"required,min=1,unique,dive,gte=0,lte=6"`
	Start string         `json:"start" validate:"required,hhmm"`
	End   string         `json:"end" validate:"required,hhmm"`
}

// Bounds returns start and end as offsets from midnight.
func (w TimeWindow) Bounds() (time.Duration, time.Duration, error) {
	start, err := ParseClock(w.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// DateException overrides the weekly schedule on one calendar date.
type DateException struct {
	Date    string `json:"date" validate:"required,datetime=2006-01-02"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty" validate:"max=200"`
}

// Restrictions narrow where and when a role applies.
type Restrictions struct {
	TimeWindows        []TimeWindow    `json:"time_windows,omitempty" validate:"dive"`
	Exceptions         []DateException `json:"exceptions,omitempty" validate:"dive"`
	IPRanges           []string        `json:"ip_ranges,omitempty" validate:"dive,cidr|ip"`
	MaxConcurrentUsers int             `json:"max_concurrent_users,omitempty" validate:"gte=0"`
}

// Role is a named bundle of permissions placed in the seniority hierarchy.
// A lower Level is more senior.
type Role struct {
	ID           string            `json:"id" validate:"required,max=64"`
	Name         string            `json:"name" validate:"required,max=100"`
	Level        int               `json:"level" validate:"gte=0"`
	Permissions  []PermissionEntry `json:"permissions" validate:"dive"`
	InheritsFrom []string          `json:"inherits_from,omitempty" validate:"unique,dive,required,max=64"`
	Restrictions *Restrictions     `json:"restrictions,omitempty" validate:"omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Identity is the authenticated caller as read from the identity store.
type Identity struct {
	ID      string   `json:"id"`
	RoleIDs []string `json:"role_ids"`
	Active  bool     `json:"active"`
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(raw string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("rbac: invalid clock %q: %w", raw, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (r Role) clone() Role {
	out := r
	out.Permissions = make([]PermissionEntry, len(r.Permissions))
	for i, e := range r.Permissions {
		out.Permissions[i] = PermissionEntry{Module: e.Module, Levels: append([]Level(nil), e.Levels...)}
	}
	out.InheritsFrom = append([]string(nil), r.InheritsFrom...)
	if r.Restrictions != nil {
		res := *r.Restrictions
		res.TimeWindows = make([]TimeWindow, len(r.Restrictions.TimeWindows))
		for i, w := range r.Restrictions.TimeWindows {
			res.TimeWindows[i] = TimeWindow{Days: append([]time.Weekday(nil), w.Days...), Start: w.Start, End: w.End}
		}
		res.Exceptions = append([]DateException(nil), r.Restrictions.Exceptions...)
		res.IPRanges = append([]string(nil), r.Restrictions.IPRanges...)
		out.Restrictions = &res
	}
	return out
}
