package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amicalhq/dictation-core/internal/accessibility"
	"github.com/amicalhq/dictation-core/internal/bus"
	"github.com/amicalhq/dictation-core/internal/config"
	"github.com/amicalhq/dictation-core/internal/models"
	"github.com/amicalhq/dictation-core/internal/natsserver"
	"github.com/amicalhq/dictation-core/internal/pipeline"
	"github.com/amicalhq/dictation-core/internal/protocol"
	"github.com/amicalhq/dictation-core/internal/service"
	"github.com/amicalhq/dictation-core/internal/settings"
	"github.com/amicalhq/dictation-core/internal/store"
	"github.com/amicalhq/dictation-core/internal/vad"
)

// Runtime wires the daemon together: embedded broker, bus client, settings,
// model registry, transcription store, pipeline, and the bus-facing service.
type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	busClient      *bus.Client
	dictation      *service.Service
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded broker: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient
	defer busClient.Close()

	settingsSvc := settings.NewService(r.cfg)
	registry := models.NewRegistry(r.cfg.Transcription, settingsSvc, r.logger)

	transcriptions, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcription store: %w", err)
	}
	defer transcriptions.Close()

	var detector vad.Detector
	if r.cfg.VAD.Enabled {
		detector = vad.NewEnergyDetector(r.cfg.VAD.Threshold, r.cfg.VAD.FrameSize, r.cfg.VAD.HangoverFrames)
	}
	gate := vad.NewGate(detector, r.logger)

	sink, err := pipeline.NewMeterSink(r.logger)
	if err != nil {
		r.logger.Warn("failed to initialize usage metrics", slog.String("error", err.Error()))
	}

	deps := pipeline.Deps{
		Config:   r.cfg.Transcription,
		Settings: settingsSvc,
		Models:   registry,
		Store:    transcriptions,
		Bridge:   accessibility.NewStatic(accessibility.Context{}),
		Gate:     gate,
		Notifier: &busNotifier{bus: busClient, log: r.logger},
		Logger:   r.logger,
	}
	if sink != nil {
		deps.Sink = sink
	}
	pl, err := pipeline.New(deps)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := pl.Initialize(ctx); err != nil {
		r.logger.Warn("pipeline initialization incomplete", slog.String("error", err.Error()))
	}

	dictation := service.NewService(ctx, busClient, pl, r.logger)
	if err := dictation.Start(); err != nil {
		return fmt.Errorf("failed to start dictation service: %w", err)
	}
	r.dictation = dictation
	defer dictation.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() && r.dictation.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// busNotifier forwards pipeline warnings onto the bus so the desktop shell
// can show them as system notifications.
type busNotifier struct {
	bus *bus.Client
	log *slog.Logger
}

func (n *busNotifier) Notify(_ context.Context, message string) {
	payload, err := json.Marshal(protocol.Notification{Message: message, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := n.bus.Conn().Publish(protocol.SubjectNotify, payload); err != nil {
		n.log.Warn("failed to publish notification", slog.String("error", err.Error()))
	}
}
