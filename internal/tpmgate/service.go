// Package tpmgate is the background side of the TPM app: a caching gateway in
// front of the PWA origin that also carries the notification dispatcher and
// the page-context message channel.
package tpmgate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tpmgate/internal/dispatch"
	"tpmgate/internal/metrics"
	"tpmgate/internal/roles"
)

type Service struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client
	store      *Store
	ownStore   bool
	classifier *Classifier
	table      *roles.Table
	metrics    *metrics.Metrics

	hub        *dispatch.Hub
	dispatcher *dispatch.Dispatcher
	checker    *UpdateChecker
	mqtt       *dispatch.MQTTSink

	extraRenderers []dispatch.Renderer

	echo *echo.Echo

	lifeMu  sync.Mutex
	current atomic.Pointer[Cache]

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	stats *statsCollector
	now   func() time.Time
}

type Option func(*Service)

// WithHTTPClient replaces the client used for origin traffic.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithStore uses an already opened store. The caller keeps ownership.
func WithStore(st *Store) Option {
	return func(s *Service) { s.store = st }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRenderers adds notification renderers next to the log renderer.
func WithRenderers(r ...dispatch.Renderer) Option {
	return func(s *Service) { s.extraRenderers = append(s.extraRenderers, r...) }
}

func NewService(cfg Config, log *zap.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		table:  roles.DefaultTable(cfg.Server.BasePath),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: cfg.Server.timeoutDur}
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.store == nil {
		st, err := OpenStore(cfg.Storage.Path, cfg.Storage.ramMax, log.Named("store"))
		if err != nil {
			return nil, err
		}
		s.store = st
		s.ownStore = true
	}
	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
	}

	s.classifier = NewClassifier(cfg.Cache.Exclude, cfg.Cache.ExternalAPIs, cfg.Cache.Precache)
	s.hub = dispatch.NewHub(cfg.Events.Buffer, log.Named("pages"), s.metrics)

	if err := s.initDispatcher(); err != nil {
		s.closeStore()
		return nil, err
	}
	s.checker = newUpdateChecker(s)
	s.echo = s.routes()
	return s, nil
}

func (s *Service) initDispatcher() error {
	nlog := s.log.Named("dispatch")

	renderers := []dispatch.Renderer{dispatch.NewLogRenderer(nlog)}
	if urls := s.cfg.Notifications.Shoutrrr; len(urls) > 0 {
		r, err := dispatch.NewShoutrrrRenderer(urls)
		if err != nil {
			return fmt.Errorf("notifications.shoutrrr: %w", err)
		}
		renderers = append(renderers, r)
	}
	renderers = append(renderers, s.extraRenderers...)

	record := dispatch.NewDeliveryRecord(s.cfg.Notifications.cooldownDur, s.cfg.Notifications.Capacity)
	opts := []dispatch.Option{
		dispatch.WithDeliveryRecord(record),
		dispatch.WithMetrics(s.metrics),
	}

	if mc := s.cfg.Notifications.MQTT; mc.Broker != "" {
		sink, err := dispatch.NewMQTTSink(dispatch.MQTTConfig{
			Broker:      mc.Broker,
			ClientID:    mc.ClientID,
			Username:    mc.Username,
			Password:    mc.Password,
			TopicPrefix: mc.TopicPrefix,
			QoS:         byte(mc.QoS),
			Retained:    mc.Retained,
		})
		if err != nil {
			return err
		}
		s.mqtt = sink
		opts = append(opts, dispatch.WithSink(sink))
	}

	center := dispatch.NewCenter(nlog, renderers...)
	s.dispatcher = dispatch.New(s.table, center, s.hub, nlog, opts...)
	return nil
}

// Start installs and activates the configured cache version, then starts the
// background loops.
func (s *Service) Start(ctx context.Context) error {
	version := s.cfg.Cache.Version
	if active, _ := s.store.Active(); active != version || !s.store.Has(version) {
		if _, err := s.Install(ctx, version); err != nil {
			return fmt.Errorf("install %s: %w", version, err)
		}
	}
	if err := s.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", version, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.checker.run(s.stopCh, s.cfg.Updates.initialDelayDur, s.cfg.Updates.everyDur)
	}()

	if s.stats != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.Logging.logStatsEveryDur)
		}()
	}

	if err := s.startWatcher(s.cfg.Updates.Watch); err != nil {
		s.log.Warn("deploy watcher disabled", zap.Error(err))
	}
	return nil
}

// Stop ends the background loops and disconnects every page stream. The
// cache keeps serving until Close.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.hub.Close()
	})
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.Stop()
		if s.mqtt != nil {
			s.mqtt.Close()
		}
		s.closeStore()
	})
}

func (s *Service) closeStore() {
	if s.ownStore {
		if err := s.store.Close(); err != nil {
			s.log.Warn("close cache store", zap.Error(err))
		}
	}
}

func (s *Service) Handler() http.Handler {
	return s.echo
}

// Checker exposes the update checker.
func (s *Service) Checker() *UpdateChecker { return s.checker }

// Dispatcher exposes the notification dispatcher.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }
