// Package server exposes the trigger surface over HTTP. Webhook deliveries
// arrive as events, get queued and run one at a time; stored run reports are
// served back out for inspection.
package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/unrolled/secure"

	"github.com/gantryci/gantry/pkg/config"
	"github.com/gantryci/gantry/pkg/engine"
	"github.com/gantryci/gantry/pkg/event"
	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/notify"
	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/workflow"
)

// deliveries larger than this are rejected outright
const maxBodySize = 1 << 20

// Server queues incoming deliveries for a single workflow and executes them
// sequentially: concurrent runs would race over the checkout and the dist
// directory.
type Server struct {
	cfg      *config.Config
	store    *registry.Store
	runner   *engine.Runner
	wf       *workflow.Workflow
	notifier *notify.Notifier
	queue    chan *event.Event
}

// New assembles a server around an engine runner and its store.
func New(cfg *config.Config, store *registry.Store, runner *engine.Runner, wf *workflow.Workflow) *Server {
	queueSize := cfg.HTTP.Queue
	if queueSize < 1 {
		queueSize = 1
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		wf:       wf,
		notifier: notify.New(cfg),
		queue:    make(chan *event.Event, queueSize),
	}
}

// Router builds the HTTP handler: the API routes wrapped in the security
// and request logging middlewares.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/events", s.handleEvent).Methods("POST")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})

	return sm.Handler(glog.MakeLogMiddleware(r))
}

// ListenAndServe listens on the configured address and runs until the
// context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.HTTP.Address)
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", s.cfg.HTTP.Address)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on the given listener and consumes the run
// queue until the context is canceled. In-flight requests get a short grace
// period during shutdown.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := http.Server{
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.consumeQueue(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	glog.Log(ctx).Info().Msgf("Listening on %s", listener.Addr())

	var err error
	select {
	case err = <-serveErr:
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = httpServer.Shutdown(shutdownCtx)
		shutdownCancel()
		<-serveErr
	}

	cancel()
	<-workerDone

	if err != nil && !eris.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server failed")
	}

	return nil
}

// consumeQueue executes queued deliveries one at a time.
func (s *Server) consumeQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			s.execute(ctx, ev)
		}
	}
}

func (s *Server) execute(ctx context.Context, ev *event.Event) {
	run, err := s.runner.Run(ctx, engine.Request{Workflow: s.wf, Event: ev})
	if err != nil {
		glog.Log(ctx).Error().Err(err).Str("delivery", ev.Delivery).Msg("Delivery run failed")
	}
	if run == nil {
		return
	}

	if err := s.notifier.RunFinished(ctx, run); err != nil {
		glog.Log(ctx).Warn().Err(err).Str("run", run.ID).Msg("Failed to send failure notification")
	}
}

// deliveryResponse acknowledges a queued delivery. Matched is a preview of
// the trigger decision; the authoritative result lands in the run history.
type deliveryResponse struct {
	Delivery string `json:"delivery"`
	Queued   bool   `json:"queued"`
	Matched  bool   `json:"matched"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleEvent(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusRequestEntityTooLarge, "delivery body too large")
		return
	}

	if err := VerifySignature(s.cfg.HTTP.WebhookSecret, body, r.Header.Get(SignatureHeader)); err != nil {
		glog.Log(r.Context()).Warn().Err(err).Msg("Rejected delivery")
		writeError(rw, http.StatusUnauthorized, "signature verification failed")
		return
	}

	ev, err := event.Decode(bytes.NewReader(body))
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	if ev.Delivery == "" {
		ev.Delivery = nanoid.New()
	}

	matched, reason := event.Match(s.wf.Triggers, ev)

	select {
	case s.queue <- ev:
	default:
		glog.Log(r.Context()).Warn().Str("delivery", ev.Delivery).Msg("Run queue is full")
		writeError(rw, http.StatusServiceUnavailable, "run queue is full")
		return
	}

	glog.Log(r.Context()).Info().
		Str("delivery", ev.Delivery).
		Str("kind", string(ev.Kind)).
		Bool("matched", matched).
		Msg("Queued delivery")

	writeJSON(rw, http.StatusAccepted, deliveryResponse{
		Delivery: ev.Delivery,
		Queued:   true,
		Matched:  matched,
		Reason:   reason,
	})
}

func (s *Server) handleRuns(rw http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(rw, http.StatusBadRequest, "limit must be a non-negative number")
			return
		}
		limit = parsed
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		glog.Log(r.Context()).Error().Err(err).Msg("Failed to list runs")
		writeError(rw, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*registry.Run{}
	}

	writeJSON(rw, http.StatusOK, runs)
}

func (s *Server) handleRun(rw http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(rw, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(rw, http.StatusOK, run)
}

func (s *Server) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}
