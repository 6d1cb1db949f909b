package page

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tpmgate/internal/message"
	"tpmgate/internal/roles"
)

type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeNoPermission Outcome = "no-permission"
	OutcomeNoChannel    Outcome = "no-channel"
	OutcomeError        Outcome = "error"
)

const defaultMachineName = "سیستم"

var ErrNoChannel = errors.New("no background channel")

// Ack is the gateway's answer to a submitted message.
type Ack struct {
	Outcome Outcome `json:"outcome"`
}

// Channel carries messages from the page to the gateway.
type Channel interface {
	Send(ctx context.Context, in message.Inbound) (Ack, error)
}

// FallbackFunc shows an in-page banner when a notification could not be
// handed to the gateway.
type FallbackFunc func(role roles.Role, p message.Payload)

// Event is a domain event raised by a role page.
type Event struct {
	ID                 string
	MachineName        string
	ProblemDescription string
	At                 time.Time
}

// Sender submits role notifications. It keeps no state between calls;
// duplicate submissions are filtered by the gateway.
type Sender struct {
	table    *roles.Table
	perms    *PermissionManager
	channel  Channel
	fallback FallbackFunc
	log      *zap.Logger
	now      func() time.Time
}

// NewSender builds a sender. channel may be nil when the page has no gateway
// connection; fallback may be nil when the page shows no banners.
func NewSender(table *roles.Table, perms *PermissionManager, channel Channel, fallback FallbackFunc, log *zap.Logger) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{
		table:    table,
		perms:    perms,
		channel:  channel,
		fallback: fallback,
		log:      log,
		now:      time.Now,
	}
}

func (s *Sender) NotifyManagers(ctx context.Context, ev Event) (Outcome, error) {
	return s.Notify(ctx, roles.Manager, ev)
}

func (s *Sender) NotifySupervisors(ctx context.Context, ev Event) (Outcome, error) {
	return s.Notify(ctx, roles.Supervisor, ev)
}

func (s *Sender) NotifyOperators(ctx context.Context, ev Event) (Outcome, error) {
	return s.Notify(ctx, roles.Operator, ev)
}

func (s *Sender) NotifyWarehouse(ctx context.Context, ev Event) (Outcome, error) {
	return s.Notify(ctx, roles.Warehouse, ev)
}

// Notify submits ev for role. It never prompts for permission. Whenever the
// event does not reach the gateway, the fallback banner is shown instead.
func (s *Sender) Notify(ctx context.Context, role roles.Role, ev Event) (Outcome, error) {
	p := s.payload(role, ev)
	in := message.Notify(message.Event{Role: role, Payload: p})
	if err := in.Validate(s.table); err != nil {
		return OutcomeError, err
	}
	log := s.log.With(zap.String("role", string(role)), zap.String("id", p.ID))

	if st := s.perms.State(); st != PermissionGranted {
		log.Info("notification permission missing, showing in-page banner", zap.String("permission", string(st)))
		s.showFallback(role, p)
		return OutcomeNoPermission, nil
	}

	if s.channel == nil {
		log.Info("no gateway channel, showing in-page banner")
		s.showFallback(role, p)
		return OutcomeNoChannel, nil
	}

	ack, err := s.channel.Send(ctx, in)
	switch {
	case errors.Is(err, ErrNoChannel):
		log.Info("gateway has no active worker, showing in-page banner")
		s.showFallback(role, p)
		return OutcomeNoChannel, nil
	case err != nil:
		log.Error("send notification failed", zap.Error(err))
		s.showFallback(role, p)
		return OutcomeError, err
	}

	if ack.Outcome == OutcomeDeduplicated {
		log.Debug("gateway suppressed duplicate notification")
		return OutcomeDeduplicated, nil
	}
	log.Info("notification submitted")
	return OutcomeDelivered, nil
}

func (s *Sender) payload(role roles.Role, ev Event) message.Payload {
	id := strings.TrimSpace(ev.ID)
	if id == "" {
		id = string(role) + "-" + uuid.NewString()
	}
	machine := strings.TrimSpace(ev.MachineName)
	if machine == "" {
		machine = defaultMachineName
	}
	at := ev.At
	if at.IsZero() {
		at = s.now()
	}
	return message.Payload{
		ID:                 id,
		MachineName:        machine,
		ProblemDescription: strings.TrimSpace(ev.ProblemDescription),
		Timestamp:          at.UnixMilli(),
	}
}

func (s *Sender) showFallback(role roles.Role, p message.Payload) {
	if s.fallback != nil {
		s.fallback(role, p)
	}
}
