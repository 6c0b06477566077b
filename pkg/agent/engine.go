// Package agent assembles the voice agent process: configuration, vendor
// providers, the observer chain and one gateway session per call.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/ryanm/call-gpt/pkg/configutil"
	"github.com/ryanm/call-gpt/pkg/frames"
	"github.com/ryanm/call-gpt/pkg/gateway"
	"github.com/ryanm/call-gpt/pkg/llm"
	"github.com/ryanm/call-gpt/pkg/logging"
	"github.com/ryanm/call-gpt/pkg/metrics"
	"github.com/ryanm/call-gpt/pkg/observers"
	"github.com/ryanm/call-gpt/pkg/pipeline"
	"github.com/ryanm/call-gpt/pkg/redact"
	"github.com/ryanm/call-gpt/pkg/runner"
	"github.com/ryanm/call-gpt/pkg/tools"
	"github.com/ryanm/call-gpt/pkg/transports"
	mocktransport "github.com/ryanm/call-gpt/pkg/transports/mock"
	twiliotransport "github.com/ryanm/call-gpt/pkg/transports/twilio"
)

const (
	drainTimeout    = 30 * time.Second
	drainWait       = 20 * time.Second
	drainPollPeriod = 200 * time.Millisecond
)

type Engine struct {
	cfg       Config
	logger    *slog.Logger
	transport transports.Transport
	registry  *pipeline.SessionRegistry
	runner    *pipeline.Runner
	llm       llm.Client
	asyncObs  *metrics.AsyncObserver
	closers   []io.Closer

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport defaults to the one named in Config.Transports.
	Transport transports.Transport
	Tools     *tools.Catalog
	// Observer receives every metrics event alongside the built-in chain.
	Observer metrics.Observer
	Logger   *slog.Logger
	// Quiet skips the startup banner.
	Quiet bool
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := logging.NewComponentLogger(base, "engine")
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	sttFactory, err := providers.BuildSTT(cfg)
	if err != nil {
		return nil, err
	}
	ttsFactory, err := providers.BuildTTS(cfg)
	if err != nil {
		return nil, err
	}
	client, err := providers.BuildLLM(cfg)
	if err != nil {
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		transport, err = BuildTransport(cfg)
		if err != nil {
			return nil, err
		}
	}

	catalog := opts.Tools
	if catalog == nil {
		catalog = tools.NewCatalog(tools.Options{
			Timeout:      cfg.Tools.Timeout(),
			Retries:      cfg.Tools.Retries,
			RetryBackoff: cfg.Tools.RetryBackoff(),
		})
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		llm:       client,
	}
	obs, err := e.buildObservers(base, opts.Observer)
	if err != nil {
		return nil, err
	}
	if o, ok := client.(interface{ SetObserver(metrics.Observer) }); ok {
		o.SetObserver(obs)
	}

	e.registry = pipeline.NewSessionRegistry(func(ctx context.Context, callSID, streamID, traceID string) (pipeline.Handler, error) {
		fill := byte(cfg.Agent.FillByte)
		return gateway.NewSession(ctx, gateway.Config{
			StreamID:            streamID,
			CallSID:             callSID,
			TraceID:             traceID,
			SystemPrompt:        cfg.Agent.SystemPrompt,
			Greeting:            cfg.Agent.Greeting,
			GreetingWait:        cfg.Agent.GreetingWait(),
			MinTranscriptLength: cfg.Agent.MinTranscriptLength,
			InterruptLength:     cfg.Agent.InterruptLength,
			FlushLength:         cfg.Agent.FlushLength,
			FillByte:            &fill,
			SampleRate:          cfg.Agent.SampleRate,
		}, gateway.Deps{
			STT:      sttFactory(callSID, streamID, traceID),
			TTS:      ttsFactory(callSID, streamID),
			LLM:      client,
			Tools:    catalog,
			Sender:   transport,
			Observer: obs,
			Logger:   base,
		})
	})

	hooks := runner.Hooks{
		Quiet: opts.Quiet,
		OnStart: func() {
			fields := []any{
				"transport", transport.Name(),
				"stt_provider", cfg.Vendors.STT.Provider,
				"tts_provider", cfg.Vendors.TTS.Provider,
				"llm_provider", cfg.Vendors.LLM.Provider,
				"tools", strings.Join(catalog.Names(), ","),
			}
			if rr, ok := transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			e.asyncObs.Close()
			for _, c := range e.closers {
				_ = c.Close()
			}
			logger.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_calls", e.registry.Count(),
				"dropped_events", e.asyncObs.Dropped(),
			)
		},
	}
	drainer := pipeline.DrainerFunc(func(ctx context.Context) error {
		_ = transport.Stop()
		e.registry.SetDraining(true)
		e.registry.CloseAll()
		ctx, cancel := context.WithTimeout(ctx, drainWait)
		defer cancel()
		if !e.registry.WaitForEmpty(ctx, drainPollPeriod) {
			return errors.New("calls still active after drain")
		}
		return nil
	})
	e.runner = pipeline.NewDrainRunner(drainer, hooks, drainTimeout)
	return e, nil
}

// buildObservers wires async -> multi -> {logger, latency, timeline, jsonl}.
func (e *Engine) buildObservers(base *slog.Logger, extra metrics.Observer) (metrics.Observer, error) {
	obsLogger := logging.NewComponentLogger(base, "metrics")
	list := []metrics.Observer{
		observers.NewLoggerObserver(obsLogger),
		observers.NewLatencyObserver(obsLogger),
	}
	o := e.cfg.Observability
	if dir := strings.TrimSpace(o.ArtifactsDir); dir != "" {
		if o.RetentionDays > 0 {
			report, err := observers.PurgeCallTimelines(dir, time.Duration(o.RetentionDays)*24*time.Hour, time.Now())
			if err != nil {
				e.logger.Warn("timeline_purge_failed", "dir", dir, "error", err)
			}
			if len(report.Removed) > 0 {
				e.logger.Info("timelines_purged", "dir", dir, "removed", len(report.Removed), "kept", report.Kept)
			}
		}
		timeline := observers.NewTimelineObserver(dir)
		list = append(list, timeline)
		e.closers = append(e.closers, timeline)
	}
	if path := strings.TrimSpace(o.MetricsPath); path != "" {
		jsonl, err := metrics.OpenJSONLFile(path)
		if err != nil {
			return nil, fmt.Errorf("observability.metrics_path: %w", err)
		}
		list = append(list, jsonl)
		e.closers = append(e.closers, jsonl)
	}
	if extra != nil {
		list = append(list, extra)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...).OnPanic(func(name string, r any) {
		obsLogger.Error("observer_panic", "event", name, "panic", r)
	}), o.EventBuffer)
	return e.asyncObs, nil
}

// BuildTransport constructs the carrier named in cfg.Transports.
func BuildTransport(cfg Config) (transports.Transport, error) {
	switch providerKey(cfg.Transports.Provider) {
	case "twilio":
		var tc twiliotransport.Config
		if err := configutil.Load("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token"},
			Optional: []string{"public_url", "server_addr", "voice_path", "ws_path", "status_callback_path", "allow_any_origin", "allowed_origins"},
		}, &tc); err != nil {
			return nil, err
		}
		return twiliotransport.New(tc), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, fmt.Errorf("unsupported transport provider: %s", cfg.Transports.Provider)
	}
}

// Start opens the transport and begins routing calls. It returns once the
// transport is listening.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, e.cancel = context.WithCancel(ctx)
	if err := e.transport.Start(ctx); err != nil {
		e.cancel()
		return err
	}
	e.wg.Go(func() { e.routeTransport(ctx) })
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

// Stop drains active calls and releases observers.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	err := e.runner.Stop()
	e.wg.Wait()
	return err
}

// Done is closed once the engine has fully stopped.
func (e *Engine) Done() <-chan struct{} { return e.runner.Done() }

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			e.route(f)
		}
	}
}

func (e *Engine) route(f frames.Frame) {
	meta := f.Meta()
	callSID := meta[frames.MetaCallSID]
	streamID := meta[frames.MetaStreamID]
	if callSID == "" || streamID == "" {
		return
	}
	if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == frames.SystemCallEnd {
		if sess, ok := e.registry.Get(callSID); ok {
			sess.Handler.Handle(f)
		}
		e.registry.Remove(callSID)
		e.logger.Info("call_ended", "call_sid", callSID, "stream_id", streamID,
			"reason", meta[frames.MetaCallEndReason], "active_calls", e.registry.Count())
		return
	}
	// Only a stream start opens a session; stragglers after the end are dropped.
	if sf, ok := f.(frames.SystemFrame); !ok || sf.Name() != frames.SystemCallStart {
		if sess, ok := e.registry.Get(callSID); ok {
			sess.Handler.Handle(f)
		} else {
			e.logger.Debug("frame_without_session", "call_sid", callSID, "kind", f.Kind())
		}
		return
	}
	sess, created, err := e.registry.GetOrCreate(callSID, streamID, meta[frames.MetaTraceID])
	if err != nil {
		e.logger.Warn("session_create_failed", "call_sid", callSID, "stream_id", streamID, "error", err)
		return
	}
	if created {
		e.logger.Info("call_started", "call_sid", callSID, "stream_id", streamID, "active_calls", e.registry.Count())
	}
	sess.Handler.Handle(f)
}

func (e *Engine) Config() Config                      { return e.cfg }
func (e *Engine) Transport() transports.Transport     { return e.transport }
func (e *Engine) Registry() *pipeline.SessionRegistry { return e.registry }
func (e *Engine) LLM() llm.Client                     { return e.llm }
