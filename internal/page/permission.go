// Package page is the page-context side of the notification path: permission
// handling, sending role events to the gateway and showing in-page banners.
package page

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

type PermissionState string

const (
	PermissionDefault     PermissionState = "default"
	PermissionGranted     PermissionState = "granted"
	PermissionDenied      PermissionState = "denied"
	PermissionUnsupported PermissionState = "unsupported"
)

var ErrNoGesture = errors.New("notification consent must be requested from a user gesture")

// Platform is the host's notification permission API.
type Platform interface {
	Supported() bool
	// Permission returns default, granted or denied.
	Permission() PermissionState
	// RequestPermission shows the host's own permission prompt.
	RequestPermission(ctx context.Context) (PermissionState, error)
}

type Notice int

const (
	NoticeBlocked Notice = iota + 1
	NoticeUnsupported
	NoticeGranted
	NoticeDenied
)

// ConsentPrompt is the app's own consent modal, shown before the host prompt.
type ConsentPrompt interface {
	// Ask explains why notifications are needed and reports whether the
	// user chose "allow".
	Ask(ctx context.Context) (bool, error)
	// Notify shows an informational notice about the permission state.
	Notify(n Notice)
}

// Gesture proves a call originates from a user action. Only UI code creates
// one, at the point where it handles the click.
type Gesture struct {
	source string
}

func UserGesture(source string) Gesture {
	if source == "" {
		source = "click"
	}
	return Gesture{source: source}
}

// PermissionManager owns the notification permission state and the consent
// flow. It never prompts on its own: the host prompt is reached only from
// RequestConsent, only while the state is default.
type PermissionManager struct {
	mu       sync.Mutex
	platform Platform
	prompt   ConsentPrompt
	log      *zap.Logger
}

func NewPermissionManager(platform Platform, prompt ConsentPrompt, log *zap.Logger) *PermissionManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &PermissionManager{platform: platform, prompt: prompt, log: log}
}

// State reads the current permission without prompting.
func (m *PermissionManager) State() PermissionState {
	if m.platform == nil || !m.platform.Supported() {
		return PermissionUnsupported
	}
	switch st := m.platform.Permission(); st {
	case PermissionGranted, PermissionDenied:
		return st
	default:
		return PermissionDefault
	}
}

// RequestConsent runs the consent flow for a user gesture and reports
// whether notifications end up granted.
func (m *PermissionManager) RequestConsent(ctx context.Context, g Gesture) (bool, error) {
	if g.source == "" {
		return false, ErrNoGesture
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case PermissionGranted:
		return true, nil
	case PermissionUnsupported:
		m.notify(NoticeUnsupported)
		return false, nil
	case PermissionDenied:
		// the host remembers the refusal; explain how to lift it instead
		m.notify(NoticeBlocked)
		return false, nil
	}

	if m.prompt != nil {
		allow, err := m.prompt.Ask(ctx)
		if err != nil {
			return false, err
		}
		if !allow {
			m.log.Info("notification consent declined in app prompt", zap.String("gesture", g.source))
			return false, nil
		}
	}

	st, err := m.platform.RequestPermission(ctx)
	if err != nil {
		m.log.Error("permission request failed", zap.Error(err))
		return false, err
	}
	m.log.Info("notification permission answered", zap.String("state", string(st)))
	if st == PermissionGranted {
		m.notify(NoticeGranted)
		return true, nil
	}
	m.notify(NoticeDenied)
	return false, nil
}

func (m *PermissionManager) notify(n Notice) {
	if m.prompt != nil {
		m.prompt.Notify(n)
	}
}
