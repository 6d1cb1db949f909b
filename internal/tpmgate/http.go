package tpmgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"tpmgate/internal/dispatch"
	"tpmgate/internal/message"
)

const (
	maxMessageBytes = 64 << 10

	// event stream connections per second and client IP
	eventsRate        = 10
	eventsBurst       = 15
	eventsLimiterIdle = time.Minute
)

// ack is the answer to POST /_sw/message.
type ack struct {
	Outcome   string `json:"outcome"`
	Key       string `json:"key,omitempty"`
	Rendered  bool   `json:"rendered,omitempty"`
	Delivered int    `json:"delivered,omitempty"`
	Version   string `json:"version,omitempty"`
}

type status struct {
	Active        string   `json:"active,omitempty"`
	Waiting       string   `json:"waiting,omitempty"`
	Versions      []string `json:"versions"`
	Pages         int      `json:"pages"`
	Notifications int      `json:"notifications"`
	RAMBytes      int64    `json:"ramBytes"`
}

func (s *Service) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/_sw/events"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	eventsLimiter := middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      eventsRate,
			Burst:     eventsBurst,
			ExpiresIn: eventsLimiterIdle,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, errorBody("cannot identify client"))
		},
		DenyHandler: func(c echo.Context, id string, err error) error {
			return c.JSON(http.StatusTooManyRequests, errorBody("too many event stream connections, retry later"))
		},
	})

	sw := e.Group("/_sw")
	sw.POST("/message", s.handleMessage)
	sw.GET("/events", s.handleEvents, eventsLimiter)
	sw.POST("/notificationclick", s.handleNotificationClick)
	sw.POST("/notificationclose", s.handleNotificationClose)
	sw.GET("/notifications", s.handleNotifications)
	sw.GET("/status", s.handleStatus)

	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	e.Any("/*", echo.WrapHandler(http.HandlerFunc(s.intercept)))
	return e
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// handleMessage is the page → gateway message channel.
func (s *Service) handleMessage(c echo.Context) error {
	if s.current.Load() == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody("no active worker"))
	}
	b, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}
	if len(b) > maxMessageBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorBody("message too large"))
	}
	in, err := message.Decode(s.table, b)
	if err != nil {
		s.log.Debug("rejected page message", zap.Error(err))
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	ctx := c.Request().Context()
	switch in.Kind {
	case message.KindNotify:
		res, err := s.dispatcher.Handle(ctx, in.Event())
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		}
		out := ack{Outcome: "delivered", Key: res.Key, Rendered: res.Rendered, Delivered: res.Delivered}
		if res.Suppressed {
			out.Outcome = "deduplicated"
		}
		return c.JSON(http.StatusOK, out)

	case message.KindCheckUpdate:
		s.checker.Trigger()
		return c.JSON(http.StatusAccepted, ack{Outcome: "delivered"})

	case message.KindSkipWaiting:
		v, err := s.SkipWaiting(ctx)
		if errors.Is(err, ErrNoWaitingVersion) {
			return c.JSON(http.StatusConflict, errorBody(err.Error()))
		}
		if err != nil {
			s.log.Error("skip waiting failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errorBody("skip waiting failed"))
		}
		return c.JSON(http.StatusOK, ack{Outcome: "delivered", Version: v})
	}
	return c.JSON(http.StatusBadRequest, errorBody("unsupported message"))
}

// handleEvents streams gateway messages to one page context as server-sent
// events. The open stream is what makes the page visible to broadcasts.
func (s *Service) handleEvents(c echo.Context) error {
	pageURL := c.QueryParam("url")
	if pageURL == "" {
		return c.JSON(http.StatusBadRequest, errorBody("url parameter is required"))
	}
	client, err := s.hub.Register(pageURL)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody(err.Error()))
	}
	defer s.hub.Unregister(client)

	resp := c.Response()
	h := resp.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	hello := message.Outbound{
		Type:      message.TypeConnected,
		Message:   client.ID,
		Version:   s.ActiveVersion(),
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Source:    message.SourceServiceWorker,
	}
	if err := writeEvent(resp, hello); err != nil {
		return nil
	}

	every := s.cfg.Events.heartbeatDur
	if every <= 0 {
		every = 25 * time.Second
	}
	hb := time.NewTicker(every)
	defer hb.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case msg, ok := <-client.Messages():
			if !ok {
				return nil
			}
			if err := writeEvent(resp, msg); err != nil {
				s.log.Debug("page stream write failed", zap.String("page", client.ID), zap.Error(err))
				return nil
			}
		case <-hb.C:
			if _, err := io.WriteString(resp, ": ping\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

func writeEvent(resp *echo.Response, msg message.Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "event: message\ndata: %s\n\n", b); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

type clickRequest struct {
	Tag    string `json:"tag"`
	Action string `json:"action"`
}

func (s *Service) handleNotificationClick(c echo.Context) error {
	var req clickRequest
	if err := json.NewDecoder(io.LimitReader(c.Request().Body, maxMessageBytes)).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid click: "+err.Error()))
	}
	res, err := s.dispatcher.Click(c.Request().Context(), req.Tag, req.Action)
	switch {
	case errors.Is(err, dispatch.ErrUnknownNotification):
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, dispatch.ErrUnknownAction):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case err != nil:
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Service) handleNotificationClose(c echo.Context) error {
	var req clickRequest
	if err := json.NewDecoder(io.LimitReader(c.Request().Body, maxMessageBytes)).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid close: "+err.Error()))
	}
	if !s.dispatcher.Dismiss(req.Tag) {
		return c.JSON(http.StatusNotFound, errorBody("unknown notification"))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) handleNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, s.dispatcher.Shown())
}

func (s *Service) handleStatus(c echo.Context) error {
	st := status{
		Active:        s.ActiveVersion(),
		Pages:         s.hub.Len(),
		Notifications: len(s.dispatcher.Shown()),
		RAMBytes:      s.store.RAMSize(),
	}
	st.Waiting, _ = s.store.Waiting()
	versions, err := s.store.Keys()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	st.Versions = versions
	return c.JSON(http.StatusOK, st)
}
