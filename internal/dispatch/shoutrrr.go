package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// ShoutrrrRenderer pushes notifications to the services behind shoutrrr
// URLs (ntfy, telegram, gotify, ...), which is how operators get them on
// their phones when no browser tab is open.
type ShoutrrrRenderer struct {
	sender *router.ServiceRouter
}

func NewShoutrrrRenderer(urls []string) (*ShoutrrrRenderer, error) {
	if len(urls) == 0 {
		return nil, errors.New("shoutrrr: no service URLs")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("shoutrrr: %w", err)
	}
	return &ShoutrrrRenderer{sender: sender}, nil
}

func (r *ShoutrrrRenderer) Name() string { return "shoutrrr" }

func (r *ShoutrrrRenderer) Render(_ context.Context, n Notification) error {
	params := types.Params{"title": n.Title}
	return errors.Join(r.sender.Send(pushText(n), &params)...)
}

func pushText(n Notification) string {
	var b strings.Builder
	b.WriteString(n.Body)
	if d := strings.TrimSpace(n.Data.ProblemDescription); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
	}
	if n.URL != "" {
		b.WriteString("\n")
		b.WriteString(n.URL)
	}
	return b.String()
}
