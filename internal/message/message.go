// Package message defines the messages exchanged between page contexts and
// the gateway. Both sides validate against the same rules before acting.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"tpmgate/internal/roles"
)

var ErrInvalid = errors.New("invalid message")

// Page → gateway types that are not role specific.
const (
	TypeCheckUpdate     = "CHECK_UPDATE"
	TypeCheckForUpdates = "CHECK_FOR_UPDATES"
	TypeSkipWaiting     = "SKIP_WAITING"
)

// Gateway → page types that are not role specific.
const (
	TypeConnected       = "CONNECTED"
	TypeUpdateAvailable = "UPDATE_AVAILABLE"
	TypeSWUpdated       = "SW_UPDATED"
	TypeReloadPage      = "RELOAD_PAGE"
	TypeFocus           = "FOCUS"
)

const SourceServiceWorker = "service-worker"

const (
	maxIDLen          = 128
	maxMachineNameLen = 256
	maxProblemLen     = 4096
)

// Payload is the data of a role notification.
type Payload struct {
	ID                 string     `json:"id"`
	MachineName        string     `json:"machineName,omitempty"`
	ProblemDescription string     `json:"problemDescription,omitempty"`
	Timestamp          int64      `json:"timestamp,omitempty"` // unix milliseconds
	Role               roles.Role `json:"role,omitempty"`
}

// Event is one notification raised by a role page.
type Event struct {
	Role roles.Role
	Payload
}

// DedupeKey identifies the event for duplicate suppression. It doubles as
// the notification tag.
func (e Event) DedupeKey() string {
	return string(e.Role) + "-" + e.ID
}

type Kind int

const (
	KindNotify Kind = iota + 1
	KindCheckUpdate
	KindSkipWaiting
)

func (k Kind) String() string {
	switch k {
	case KindNotify:
		return "notify"
	case KindCheckUpdate:
		return "check-update"
	case KindSkipWaiting:
		return "skip-waiting"
	default:
		return "unknown"
	}
}

// Inbound is a message from a page context to the gateway.
type Inbound struct {
	Kind Kind
	Role roles.Role // KindNotify only
	Data Payload    // KindNotify only
}

func Notify(ev Event) Inbound {
	return Inbound{Kind: KindNotify, Role: ev.Role, Data: ev.Payload}
}

func CheckUpdate() Inbound { return Inbound{Kind: KindCheckUpdate} }

func SkipWaiting() Inbound { return Inbound{Kind: KindSkipWaiting} }

// Event returns the notification event carried by a KindNotify message.
func (in Inbound) Event() Event {
	return Event{Role: in.Role, Payload: in.Data}
}

type wireInbound struct {
	Type string          `json:"type"`
	Role string          `json:"role,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Validate checks the message against the shared schema.
func (in Inbound) Validate(t *roles.Table) error {
	switch in.Kind {
	case KindCheckUpdate, KindSkipWaiting:
		return nil
	case KindNotify:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalid, in.Kind)
	}

	if _, ok := t.Lookup(in.Role); !ok {
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, in.Role)
	}
	if in.Data.Role != "" && in.Data.Role != in.Role {
		return fmt.Errorf("%w: data.role %q does not match %q", ErrInvalid, in.Data.Role, in.Role)
	}
	if err := checkText("data.id", in.Data.ID, maxIDLen, true); err != nil {
		return err
	}
	if err := checkText("data.machineName", in.Data.MachineName, maxMachineNameLen, false); err != nil {
		return err
	}
	if len(in.Data.ProblemDescription) > maxProblemLen {
		return fmt.Errorf("%w: data.problemDescription longer than %d bytes", ErrInvalid, maxProblemLen)
	}
	if in.Data.Timestamp < 0 {
		return fmt.Errorf("%w: data.timestamp is negative", ErrInvalid)
	}
	return nil
}

func checkText(field, v string, limit int, required bool) error {
	if strings.TrimSpace(v) == "" {
		if required {
			return fmt.Errorf("%w: %s is required", ErrInvalid, field)
		}
		return nil
	}
	if len(v) > limit {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalid, field, limit)
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalid, field)
		}
	}
	return nil
}

// Encode validates in and renders its wire form.
func (in Inbound) Encode(t *roles.Table) ([]byte, error) {
	if err := in.Validate(t); err != nil {
		return nil, err
	}
	w := wireInbound{}
	switch in.Kind {
	case KindCheckUpdate:
		w.Type = TypeCheckUpdate
	case KindSkipWaiting:
		w.Type = TypeSkipWaiting
	case KindNotify:
		p, _ := t.Lookup(in.Role)
		w.Type = p.SubmitType()
		data, err := json.Marshal(in.Data)
		if err != nil {
			return nil, err
		}
		w.Data = data
	}
	return json.Marshal(w)
}

// Decode parses and validates a page → gateway message. Payload fields use
// the camelCase names of Payload only; anything else is rejected.
func Decode(t *roles.Table, b []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(b, &w); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var in Inbound
	switch w.Type {
	case TypeCheckUpdate, TypeCheckForUpdates:
		in.Kind = KindCheckUpdate
	case TypeSkipWaiting:
		in.Kind = KindSkipWaiting
	default:
		role, ok := t.FromSubmitType(w.Type)
		if !ok {
			return Inbound{}, fmt.Errorf("%w: unknown type %q", ErrInvalid, w.Type)
		}
		if w.Role != "" && !strings.EqualFold(w.Role, string(role)) {
			return Inbound{}, fmt.Errorf("%w: role %q does not match type %q", ErrInvalid, w.Role, w.Type)
		}
		if len(w.Data) == 0 {
			return Inbound{}, fmt.Errorf("%w: %s without data", ErrInvalid, w.Type)
		}
		dec := json.NewDecoder(bytes.NewReader(w.Data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in.Data); err != nil {
			return Inbound{}, fmt.Errorf("%w: data: %v", ErrInvalid, err)
		}
		in.Kind = KindNotify
		in.Role = role
	}

	if err := in.Validate(t); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

// Outbound is a message from the gateway to a page context.
type Outbound struct {
	Type      string   `json:"type"`
	Data      *Payload `json:"data,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Source    string   `json:"source,omitempty"`
	Message   string   `json:"message,omitempty"`
	Version   string   `json:"version,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// Broadcast builds the rebroadcast of a role notification.
func Broadcast(p roles.Profile, data Payload, now time.Time) Outbound {
	data.Role = p.Role
	return Outbound{
		Type:      p.BroadcastType(),
		Data:      &data,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Source:    SourceServiceWorker,
	}
}

func UpdateAvailable(version string, now time.Time) Outbound {
	return Outbound{
		Type:      TypeUpdateAvailable,
		Message:   "نسخه جدید اپلیکیشن در دسترس است",
		Version:   version,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Source:    SourceServiceWorker,
	}
}

func Updated(version string, now time.Time) Outbound {
	return Outbound{
		Type:      TypeSWUpdated,
		Message:   "اپلیکیشن به‌روزرسانی شد، لطفاً صفحه را مجدداً بارگذاری کنید",
		Version:   version,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Source:    SourceServiceWorker,
	}
}

func Reload(version string, now time.Time) Outbound {
	out := Updated(version, now)
	out.Type = TypeReloadPage
	return out
}

func Focus(url string, now time.Time) Outbound {
	return Outbound{
		Type:      TypeFocus,
		URL:       url,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Source:    SourceServiceWorker,
	}
}

// DecodeOutbound parses a gateway → page message.
func DecodeOutbound(b []byte) (Outbound, error) {
	var out Outbound
	if err := json.Unmarshal(b, &out); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if out.Type == "" {
		return Outbound{}, fmt.Errorf("%w: missing type", ErrInvalid)
	}
	return out, nil
}
