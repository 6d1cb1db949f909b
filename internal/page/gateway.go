package page

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"tpmgate/internal/message"
	"tpmgate/internal/roles"
)

const (
	messagePath = "/_sw/message"
	eventsPath  = "/_sw/events"
)

// Gateway is the HTTP channel from a page to the gateway: messages go up as
// POSTs and gateway messages come down as a server-sent event stream.
type Gateway struct {
	base   string
	table  *roles.Table
	client *http.Client
	stream *http.Client
	log    *zap.Logger
}

// NewGateway returns a channel to the gateway at base, e.g.
// "http://localhost:8082". client may be nil.
func NewGateway(base string, table *roles.Table, client *http.Client, log *zap.Logger) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	// the event stream is long lived; it shares the transport but not the timeout
	stream := &http.Client{Transport: client.Transport, Jar: client.Jar}
	return &Gateway{
		base:   strings.TrimRight(base, "/"),
		table:  table,
		client: client,
		stream: stream,
		log:    log,
	}
}

// Send posts in to the gateway. It returns ErrNoChannel when the gateway has
// no active worker version yet.
func (g *Gateway) Send(ctx context.Context, in message.Inbound) (Ack, error) {
	body, err := in.Encode(g.table)
	if err != nil {
		return Ack{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+messagePath, bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return Ack{}, ErrNoChannel
	case resp.StatusCode >= 300:
		return Ack{}, fmt.Errorf("post message: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var ack Ack
	if len(bytes.TrimSpace(b)) > 0 {
		if err := json.Unmarshal(b, &ack); err != nil {
			return Ack{}, fmt.Errorf("decode ack: %w", err)
		}
	}
	if ack.Outcome == "" {
		ack.Outcome = OutcomeDelivered
	}
	return ack, nil
}

func (g *Gateway) CheckUpdate(ctx context.Context) (Ack, error) {
	return g.Send(ctx, message.CheckUpdate())
}

func (g *Gateway) SkipWaiting(ctx context.Context) (Ack, error) {
	return g.Send(ctx, message.SkipWaiting())
}

// Listen streams gateway messages for the page at pageURL to fn until ctx is
// done or the stream ends.
func (g *Gateway) Listen(ctx context.Context, pageURL string, fn func(message.Outbound)) error {
	u := g.base + eventsPath + "?url=" + url.QueryEscape(pageURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open event stream: %s", resp.Status)
	}

	err = readEvents(resp.Body, func(data []byte) {
		msg, err := message.DecodeOutbound(data)
		if err != nil {
			g.log.Warn("skip malformed gateway message", zap.Error(err))
			return
		}
		fn(msg)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Subscribe is Listen with reconnects. It returns only when ctx is done.
func (g *Gateway) Subscribe(ctx context.Context, pageURL string, fn func(message.Outbound)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		err := g.Listen(ctx, pageURL, fn)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("event stream closed")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.log.Warn("event stream lost, reconnecting", zap.Error(err), zap.Duration("wait", wait))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// readEvents parses a text/event-stream body and hands each event's data to
// fn. Comment lines are heartbeats and are skipped.
func readEvents(r io.Reader, fn func(data []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				fn(data)
				data = nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, v...)
		}
	}
	if len(data) > 0 {
		fn(data)
	}
	return sc.Err()
}
