package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speechstream/internal/audio"
	"github.com/loqalabs/loqa-speechstream/internal/bus"
	"github.com/loqalabs/loqa-speechstream/internal/config"
	"github.com/loqalabs/loqa-speechstream/internal/conn"
	"github.com/loqalabs/loqa-speechstream/internal/eventstore"
	"github.com/loqalabs/loqa-speechstream/internal/natsserver"
	"github.com/loqalabs/loqa-speechstream/internal/protocol"
	"github.com/loqalabs/loqa-speechstream/internal/speaker"
	"github.com/nats-io/nats.go"
)

const (
	doneStreamName   = "SPEECH_DONE"
	doneStreamMaxAge = 7 * 24 * time.Hour
	sessionEventsMax = 500
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	conn    *conn.Manager
	sink    audio.Sink
	speaker *speaker.Speaker
	relay   *relay
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
	r.tracerClose = shutdownTelemetry
	defer func() {
		cancel()
		r.shutdown()
	}()

	if err := r.startBus(ctx); err != nil {
		return err
	}
	if r.cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		r.store = store
	}

	// Typed nils must not reach the relay's interface fields.
	var (
		pub publisher
		tl  timeline
	)
	if r.bus != nil {
		pub = r.bus
	}
	if r.store != nil {
		tl = r.store
	}
	r.relay = newRelay(pub, tl, r.cfg.Bus.PublishAudio, r.logger)

	sink, err := NewSink(r.cfg.Playback, r.logger)
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}
	r.sink = sink

	speech := NewSpeech(r.cfg.Speech)
	r.conn = conn.New(ConnectionConfig(r.cfg.Connection), r.logger)
	opts := append(speech.SpeakerOptions(), speaker.WithObserver(r.relay))
	r.speaker = speaker.New(r.conn, r.sink, SpeakerConfig(r.cfg), r.logger, opts...)

	onStatus := func(status conn.Status) {
		r.speaker.HandleConnectionStatus(status)
		r.relay.ConnectionStatus(status)
	}
	if err := r.conn.Connect(ctx, speech.Resolve, onStatus); err != nil {
		// The manager keeps retrying in the background.
		r.logger.Warn("initial speech connection failed", slogError(err))
	}

	if r.bus != nil {
		sub, err := r.bus.QueueSubscribe(protocol.SubjectSpeakRequest, r.cfg.RuntimeName, r.handleSpeakRequest(ctx))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", protocol.SubjectSpeakRequest, err)
		}
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				r.logger.Warn("unsubscribe failed", slogError(err))
			}
		}()
	}

	r.startHTTP(metricsHandler)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.httpServer.Addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	if err := client.EnsureStream(doneStreamName, []string{protocol.SubjectSpeakDone}, doneStreamMaxAge); err != nil {
		r.logger.Warn("speech.done stream unavailable", slogError(err))
	}
	return nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := r.routes()
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsSrv = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsSrv, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slogError(err))
		}
	}()
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /v1/sessions/{id}", r.handleSession)
	return mux
}

func (r *Runtime) handleSpeakRequest(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req protocol.SpeakRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			r.logger.Warn("invalid speak request", slogError(err))
			r.respond(msg, protocol.SpeakResult{Error: "invalid request: " + err.Error(), Timestamp: time.Now().UTC()})
			return
		}
		if r.conn.State() == conn.StateFailed {
			// A new request re-arms retries after the attempt ceiling was hit.
			r.logger.Info("resetting speech connection after failure")
			r.conn.ResetReconnection()
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			result, err := r.speaker.Speak(ctx, req)
			if err != nil {
				r.logger.Warn("speak request failed", slog.String("request_id", result.RequestID), slogError(err))
			}
			r.respond(msg, result)
		}()
	}
}

func (r *Runtime) respond(msg *nats.Msg, result protocol.SpeakResult) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn("encode speak result failed", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("reply failed", slogError(err))
	}
}

// shutdown releases everything Start acquired, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Warn("connection close error", slogError(err))
		}
	}
	if r.relay != nil {
		r.relay.Close()
	}
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			r.logger.Warn("sink close error", slogError(err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slogError(err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type sessionView struct {
	Session eventstore.Session `json:"session"`
	Events  []eventView        `json:"events"`
}

type eventView struct {
	Type      string          `json:"type"`
	PartID    *int            `json:"part_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		http.Error(w, "event store disabled", http.StatusNotFound)
		return
	}
	id := req.PathValue("id")
	sess, err := r.store.GetSession(req.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Error("session lookup failed", slog.String("request_id", id), slogError(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, sessionEventsMax)
	if err != nil {
		r.logger.Error("session events lookup failed", slog.String("request_id", id), slogError(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	view := sessionView{Session: sess, Events: make([]eventView, 0, len(events))}
	for _, e := range events {
		ev := eventView{Type: e.Type, PartID: e.PartID, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			ev.Payload = e.Payload
		}
		view.Events = append(view.Events, ev)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		r.logger.Warn("write session response failed", slogError(err))
	}
}
