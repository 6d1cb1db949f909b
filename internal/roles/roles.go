// Package roles holds the single mapping from a user role to everything the
// notification path needs to know about it: which pages belong to the role,
// where a click should land, and what the notification says.
package roles

import (
	"fmt"
	"path"
	"strings"
)

type Role string

const (
	Manager    Role = "manager"
	Supervisor Role = "supervisor"
	Operator   Role = "operator"
	Warehouse  Role = "warehouse"
)

// All returns the roles in a stable order.
func All() []Role {
	return []Role{Manager, Supervisor, Operator, Warehouse}
}

// Profile describes one role namespace.
type Profile struct {
	Role Role

	// Wire is the upper-case role name used in message type tags.
	// The warehouse role keeps its historical name ANBAR.
	Wire string

	// Match holds URL fragments; a page URL containing any of them belongs to
	// the role.
	Match []string

	// Target is the canonical page a notification click opens.
	Target string

	Title       string
	BodyFormat  string // used with the machine name
	BodyDefault string // used when no machine name is known
	Icon        string
	Badge       string
	ViewLabel   string
	CloseLabel  string

	BannerTitle string

	// UnreadKey is the durable storage key of the role's unread counter.
	UnreadKey string
}

// Matches reports whether a page URL belongs to the role namespace.
func (p Profile) Matches(pageURL string) bool {
	for _, m := range p.Match {
		if m != "" && strings.Contains(pageURL, m) {
			return true
		}
	}
	return false
}

// SubmitType is the page → dispatcher message type for this role.
func (p Profile) SubmitType() string { return "SHOW_" + p.Wire + "_NOTIFICATION" }

// BroadcastType is the dispatcher → page message type for this role.
func (p Profile) BroadcastType() string { return p.Wire + "_NOTIFICATION" }

// Body renders the notification body for a machine name.
func (p Profile) Body(machineName string) string {
	if strings.TrimSpace(machineName) == "" {
		return p.BodyDefault
	}
	return fmt.Sprintf(p.BodyFormat, machineName)
}

// Table is the role lookup shared by the dispatcher and the in-page notifier.
type Table struct {
	byRole map[Role]Profile
	byWire map[string]Role
}

// NewTable builds a table from profiles. Later profiles for the same role
// replace earlier ones.
func NewTable(profiles ...Profile) *Table {
	t := &Table{
		byRole: make(map[Role]Profile, len(profiles)),
		byWire: make(map[string]Role, len(profiles)),
	}
	for _, p := range profiles {
		t.byRole[p.Role] = p
		t.byWire[p.Wire] = p.Role
	}
	return t
}

// DefaultTable returns the TPM role table rooted at basePath (for example
// "/nasjpour"). An empty basePath means the app is served from "/".
func DefaultTable(basePath string) *Table {
	base := "/" + strings.Trim(basePath, "/")
	page := func(elem ...string) string {
		return path.Join(append([]string{base, "pages"}, elem...)...)
	}
	const (
		icon  = "/icons/icon-192x192.png"
		badge = "/icons/icon-72x72.png"
	)
	withBase := func(p string) string { return path.Join(base, p) }

	return NewTable(
		Profile{
			Role:        Manager,
			Wire:        "MANAGER",
			Match:       []string{"/manager/", "reports.html"},
			Target:      page("manager", "reports.html"),
			Title:       "📋 گزارش مدیریتی",
			BodyFormat:  "گزارش جدید: %s",
			BodyDefault: "گزارش مدیریتی جدید",
			Icon:        withBase(icon),
			Badge:       withBase(badge),
			ViewLabel:   "📋 مشاهده",
			CloseLabel:  "❌ بستن",
			BannerTitle: "📋 گزارش مدیریتی جدید",
			UnreadKey:   "manager_unread_notifications",
		},
		Profile{
			Role:        Supervisor,
			Wire:        "SUPERVISOR",
			Match:       []string{"/supervisor/", "/superviser/", "RequestsScreen.html"},
			Target:      page("supervisor", "RequestsScreen.html"),
			Title:       "👨‍💼 درخواست سرپرستی",
			BodyFormat:  "درخواست جدید: %s",
			BodyDefault: "درخواست سرپرستی جدید",
			Icon:        withBase(icon),
			Badge:       withBase(badge),
			ViewLabel:   "📝 مشاهده",
			CloseLabel:  "❌ بستن",
			BannerTitle: "👨‍💼 درخواست سرپرستی جدید",
			UnreadKey:   "supervisor_unread_notifications",
		},
		Profile{
			Role:        Operator,
			Wire:        "OPERATOR",
			Match:       []string{"/operator/"},
			Target:      page("operator", "tasks.html"),
			Title:       "🔧 دستور کار اپراتور",
			BodyFormat:  "دستور کار جدید: %s",
			BodyDefault: "دستور کار جدید",
			Icon:        withBase(icon),
			Badge:       withBase(badge),
			ViewLabel:   "🔧 مشاهده",
			CloseLabel:  "❌ بستن",
			BannerTitle: "🔧 دستور کار جدید",
			UnreadKey:   "operator_unread_notifications",
		},
		Profile{
			Role:        Warehouse,
			Wire:        "ANBAR",
			Match:       []string{"/anbar/", "/warehouse/"},
			Target:      page("anbar", "requests.html"),
			Title:       "📦 درخواست انبار",
			BodyFormat:  "درخواست قطعه: %s",
			BodyDefault: "درخواست انبار جدید",
			Icon:        withBase(icon),
			Badge:       withBase(badge),
			ViewLabel:   "📦 مشاهده",
			CloseLabel:  "❌ بستن",
			BannerTitle: "📦 درخواست انبار جدید",
			UnreadKey:   "warehouse_unread_notifications",
		},
	)
}

// Lookup returns the profile of a role.
func (t *Table) Lookup(r Role) (Profile, bool) {
	p, ok := t.byRole[r]
	return p, ok
}

// FromWire maps an upper-case wire name (MANAGER, ANBAR, ...) to a role.
func (t *Table) FromWire(wire string) (Role, bool) {
	r, ok := t.byWire[strings.ToUpper(strings.TrimSpace(wire))]
	return r, ok
}

// FromSubmitType extracts the role from a SHOW_<ROLE>_NOTIFICATION tag.
func (t *Table) FromSubmitType(typ string) (Role, bool) {
	if !strings.HasPrefix(typ, "SHOW_") || !strings.HasSuffix(typ, "_NOTIFICATION") {
		return "", false
	}
	wire := strings.TrimSuffix(strings.TrimPrefix(typ, "SHOW_"), "_NOTIFICATION")
	return t.FromWire(wire)
}

// Parse accepts a role name as typed by a user or stored in a session
// ("manager", "ANBAR", "warehouse").
func (t *Table) Parse(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if _, ok := t.byRole[Role(strings.ToLower(s))]; ok {
		return Role(strings.ToLower(s)), nil
	}
	if r, ok := t.FromWire(s); ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Resolve returns the first role, in All() order, whose namespace contains
// pageURL.
func (t *Table) Resolve(pageURL string) (Role, bool) {
	for _, r := range All() {
		p, ok := t.byRole[r]
		if ok && p.Matches(pageURL) {
			return r, true
		}
	}
	return "", false
}
