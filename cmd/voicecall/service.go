package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/voicecall/internal/config"
	"github.com/haasonsaas/voicecall/internal/cron"
	"github.com/haasonsaas/voicecall/internal/cues"
	"github.com/haasonsaas/voicecall/internal/gateway"
	"github.com/haasonsaas/voicecall/internal/observability"
	"github.com/haasonsaas/voicecall/internal/ratelimit"
	"github.com/haasonsaas/voicecall/internal/responder"
	"github.com/haasonsaas/voicecall/internal/storage"
	"github.com/haasonsaas/voicecall/internal/transcribe"
	"github.com/haasonsaas/voicecall/internal/voice"
)

const (
	evictJobName   = "evict-ended-calls"
	archiveTimeout = 30 * time.Second
)

// service owns every long-lived component started by serve.
type service struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	now        func() time.Time

	stores    storage.StoreSet
	manager   *voice.CallManager
	server    *gateway.Server
	metrics   *observability.Metrics
	archiver  *storage.S3Archiver
	scheduler *cron.Scheduler

	shutdownTracer func(context.Context) error
	archives       sync.WaitGroup
}

// newService builds the component graph for cfg. Metrics register with reg
// and are served from it.
func newService(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger, reg *prometheus.Registry) (*service, error) {
	svc := &service{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		now:        time.Now,
		metrics:    observability.NewMetrics(reg),
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Attributes:     cfg.Observability.Tracing.Attributes,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	svc.shutdownTracer = shutdownTracer

	pool := storage.DefaultPoolConfig()
	if cfg.Store.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Store.MaxConnections
	}
	if cfg.Store.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Store.ConnMaxLifetime
	}
	stores, err := storage.Open(ctx, storage.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Pool:   pool,
	})
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("open call store: %w", err)
	}
	svc.stores = stores

	if cfg.Archive.Enabled {
		archiver, err := storage.NewS3Archiver(ctx, storage.S3ArchiveConfig{
			Bucket:       cfg.Archive.Bucket,
			Region:       cfg.Archive.Region,
			Endpoint:     cfg.Archive.Endpoint,
			Prefix:       cfg.Archive.Prefix,
			UsePathStyle: cfg.Archive.UsePathStyle,
		})
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("transcript archive: %w", err)
		}
		svc.archiver = archiver
	}

	var tokens *voice.StreamTokens
	if cfg.Voice.Streaming.Enabled {
		tokens, err = voice.NewStreamTokens(cfg.Voice.Streaming.TokenSecret, cfg.Voice.Streaming.TokenTTL)
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("stream tokens: %w", err)
		}
	}

	provider, err := buildProvider(cfg, tokens, logger)
	if err != nil {
		svc.close()
		return nil, err
	}

	var reply responder.Responder
	if cfg.Responses.AutoRespond {
		reply, err = responder.New(responder.Config{
			Provider:     cfg.Responses.Provider,
			Model:        cfg.Responses.Model,
			APIKey:       cfg.Responses.APIKey,
			BaseURL:      cfg.Responses.BaseURL,
			SystemPrompt: cfg.Responses.SystemPrompt,
			MaxTokens:    cfg.Responses.MaxTokens,
			StaticReply:  cfg.Responses.StaticReply,
			Timeout:      cfg.Responses.Timeout,
		})
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("responder: %w", err)
		}
	}

	transcriber, err := buildTranscriber(cfg, logger)
	if err != nil {
		svc.close()
		return nil, err
	}

	policy, err := voice.ParseInboundPolicy(cfg.Voice.InboundPolicy)
	if err != nil {
		svc.close()
		return nil, err
	}
	manager, err := voice.NewCallManager(voice.ManagerConfig{
		Provider:          provider,
		Store:             stores.Calls,
		Logger:            logger,
		WebhookURL:        webhookURL(cfg),
		FromNumber:        cfg.Voice.FromNumber,
		InboundPolicy:     policy,
		AllowFrom:         cfg.Voice.AllowFrom,
		NotifyHangupDelay: cfg.Voice.NotifyHangupDelay,
		OnCallEnded:       svc.onCallEnded,
	})
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("call manager: %w", err)
	}
	svc.manager = manager

	var dialLimiter *ratelimit.Limiter
	if cfg.Voice.DialLimit.Enabled {
		dialLimiter = ratelimit.New(ratelimit.Config{
			PerMinute: cfg.Voice.DialLimit.PerMinute,
			Burst:     cfg.Voice.DialLimit.Burst,
		})
	}

	server, err := gateway.New(gateway.Config{
		Manager:      manager,
		Provider:     provider,
		Responder:    reply,
		Transcriber:  transcriber,
		StreamTokens: tokens,
		Cues: cues.ResolvePlan(cues.Config{
			Enabled:         cfg.Responses.Cues.Enabled,
			Acknowledgement: cfg.Responses.Cues.Acknowledgement,
			Progress:        cfg.Responses.Cues.Progress,
			ProgressDelay:   cfg.Responses.Cues.ProgressDelay,
		}),
		TopicGuard: gateway.TopicGuardConfig{
			Enabled:     cfg.TopicGuard.Enabled,
			MinKeywords: cfg.TopicGuard.MinKeywords,
			WarningText: cfg.TopicGuard.WarningText,
			MaxDrift:    cfg.TopicGuard.MaxDrift,
			EndOnDrift:  cfg.TopicGuard.EndOnDrift,
		},
		Addr:            cfg.Server.Addr(),
		WebhookPath:     cfg.Server.WebhookPath,
		StreamPath:      cfg.Server.StreamPath,
		PublicURL:       cfg.Voice.PublicURL,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		BodyTimeout:     cfg.Server.BodyTimeout,
		ResponseTimeout: cfg.Responses.Timeout,
		APIToken:        cfg.Server.APIToken,
		DialLimiter:     dialLimiter,
		MetricsHandler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Metrics:         svc.metrics,
		Tracer:          tracer,
		Logger:          logger,
	})
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("gateway: %w", err)
	}
	svc.server = server

	svc.scheduler = cron.NewScheduler(cron.WithLogger(logger))
	if err := svc.scheduler.Add(evictJobName, cfg.Store.EvictSchedule, svc.evictEnded); err != nil {
		svc.close()
		return nil, err
	}

	return svc, nil
}

func buildProvider(cfg *config.Config, tokens *voice.StreamTokens, logger *slog.Logger) (voice.Provider, error) {
	switch voice.ProviderName(cfg.Voice.Provider) {
	case voice.ProviderMock:
		return voice.NewMockProvider(cfg.Voice.MockSecret), nil
	case voice.ProviderTwilio:
		var streamPath string
		if cfg.Voice.Streaming.Enabled {
			streamPath = cfg.Server.StreamPath
		}
		provider, err := voice.NewTwilioProvider(voice.TwilioConfig{
			AccountSID:   cfg.Voice.Twilio.AccountSID,
			AuthToken:    cfg.Voice.Twilio.AuthToken,
			PublicURL:    cfg.Voice.PublicURL,
			WebhookPath:  cfg.Server.WebhookPath,
			StreamPath:   streamPath,
			StreamTokens: tokens,
			Voice:        cfg.Voice.Twilio.Voice,
			Locale:       cfg.Voice.Twilio.Locale,
			APIBaseURL:   cfg.Voice.Twilio.APIBaseURL,
			HTTPClient:   &http.Client{Timeout: 15 * time.Second},
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown voice provider %q", cfg.Voice.Provider)
	}
}

func buildTranscriber(cfg *config.Config, logger *slog.Logger) (transcribe.Transcriber, error) {
	if cfg.Transcription.Provider != "deepgram" {
		return nil, nil
	}
	deepgram, err := transcribe.NewDeepgram(transcribe.DeepgramConfig{
		APIKey:      cfg.Transcription.APIKey,
		Model:       cfg.Transcription.Model,
		Language:    cfg.Transcription.Language,
		Endpointing: cfg.Transcription.Endpointing,
		URL:         cfg.Transcription.URL,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("transcriber: %w", err)
	}
	return deepgram, nil
}

func webhookURL(cfg *config.Config) string {
	if cfg.Voice.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(cfg.Voice.PublicURL, "/") + cfg.Server.WebhookPath
}

// run serves until ctx is cancelled or a component fails.
func (s *service) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.server.Run(gctx)
	})

	g.Go(func() error {
		if err := s.scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.scheduler.Stop(stopCtx)
	})

	if s.configPath != "" {
		g.Go(func() error {
			w := &config.Watcher{
				Path:     s.configPath,
				Logger:   s.logger,
				OnChange: s.applyConfig,
			}
			if err := w.Watch(gctx); err != nil {
				s.logger.Warn("config watcher stopped", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// onCallEnded runs once per call after it reaches a terminal state.
func (s *service) onCallEnded(ctx context.Context, record *voice.CallRecord) {
	if s.server != nil {
		s.server.MarkDisconnected(record.CallID)
	}
	s.metrics.CallEnded(string(record.EndReason))

	if s.archiver == nil {
		return
	}
	s.archives.Add(1)
	go func() {
		defer s.archives.Done()
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		key, err := s.archiver.Archive(archiveCtx, record)
		if err != nil {
			s.logger.Warn("transcript archive failed", "call_id", record.CallID, "error", err)
			return
		}
		s.logger.Debug("transcript archived", "call_id", record.CallID, "key", key)
	}()
}

// evictEnded drops settled calls from memory and prunes old records from
// the store.
func (s *service) evictEnded(ctx context.Context) error {
	evicted := s.manager.EvictEnded(s.cfg.Store.EvictAfter)
	s.server.Forget(evicted...)

	if s.cfg.Store.RetainFor <= 0 {
		return nil
	}
	pruned, err := s.stores.Calls.PruneEnded(ctx, s.now().Add(-s.cfg.Store.RetainFor))
	if err != nil {
		return fmt.Errorf("prune ended calls: %w", err)
	}
	if pruned > 0 {
		s.logger.Info("pruned ended calls", "count", pruned)
	}
	return nil
}

// applyConfig picks up settings that can change without a restart.
func (s *service) applyConfig(next *config.Config) {
	policy, err := voice.ParseInboundPolicy(next.Voice.InboundPolicy)
	if err != nil {
		s.logger.Warn("ignoring reloaded inbound policy", "error", err)
		return
	}
	s.manager.SetInboundPolicy(policy, next.Voice.AllowFrom)
	s.logger.Info("inbound policy updated",
		"policy", string(policy),
		"allow_from", len(next.Voice.AllowFrom),
	)
}

// close releases resources. It is safe on a partially built service.
func (s *service) close() {
	s.archives.Wait()
	if s.stores.Calls != nil {
		if err := s.stores.Close(); err != nil {
			s.logger.Warn("close call store", "error", err)
		}
	}
	if s.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTracer(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("tracer shutdown", "error", err)
		}
	}
}
