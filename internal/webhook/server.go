// Package webhook exposes the inbound HTTP surface: the Postmark inbound
// webhook, a health endpoint, a small read-only task API, and a WebSocket
// feed of task lifecycle events.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/mailpilot/internal/bus"
	"github.com/basket/mailpilot/internal/identity"
	otelx "github.com/basket/mailpilot/internal/otel"
	"github.com/basket/mailpilot/internal/pipeline"
	"github.com/basket/mailpilot/internal/shared"
	"github.com/basket/mailpilot/internal/taskstore"
)

const maxInboundBody = 25 << 20 // Postmark caps inbound messages at 25 MB.

// Processor runs one raw message through the pipeline.
type Processor interface {
	ProcessIncoming(ctx context.Context, raw []byte, maxRetries int) pipeline.Result
}

type Config struct {
	Processor  Processor
	Store      *taskstore.Store
	Bus        *bus.Bus
	MaxRetries int

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Metrics *otelx.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg    Config
	schema *jsonschema.Schema
	log    *slog.Logger

	wg sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal inbound schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inbound.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("inbound.json")
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, schema: schema, log: log}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/postmark/inbound", s.handleInbound)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tasks/", s.handleAPITaskByID)
	return mux
}

// Drain blocks until all in-flight pipeline invocations started by the
// webhook have finished.
func (s *Server) Drain() {
	s.wg.Wait()
}

// handleRoot accepts Postmark deliveries configured without a path, matching
// the original webhook contract.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.handleInbound(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.Stats(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": false, "db_ok": false})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy": true,
		"db_ok":   true,
		"tasks":   stats,
	})
}

// handleInbound validates the Postmark payload, rebuilds the raw message,
// and hands it to the pipeline in the background. The webhook acknowledges
// quickly; dedup in the store makes Postmark redeliveries harmless.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WebhookRequests.Add(r.Context(), 1)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "schema validation failed: "+err.Error())
		return
	}

	var msg inboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "decode payload: "+err.Error())
		return
	}
	raw, err := toRFC5322(msg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := identity.Resolve(raw)
	traceID := shared.NewTraceID()
	s.log.Info("inbound message accepted",
		"task_id", id.TaskID, "from", msg.From, "subject", msg.Subject, "trace_id", traceID)

	// Detach from the request context so Postmark closing the connection
	// does not abort the pipeline.
	ctx := shared.WithTraceID(context.WithoutCancel(r.Context()), traceID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cfg.Processor.ProcessIncoming(ctx, raw, s.cfg.MaxRetries)
	}()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "accepted",
		"task_id":  id.TaskID,
		"trace_id": traceID,
	})
}

// eventEnvelope is one message on the /events WebSocket feed.
type eventEnvelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.log.Info("events: client connected")
	defer func() {
		s.log.Info("events: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)

	// The feed is push-only; CloseRead cancels the context when the client
	// goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, eventEnvelope{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				s.log.Warn("events: write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		tasks []taskstore.TaskRecord
		err   error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "":
		tasks, err = s.cfg.Store.ListRecent(r.Context(), limit)
	case string(taskstore.StatusPending):
		tasks, err = s.cfg.Store.ListPending(r.Context(), limit)
	case string(taskstore.StatusFailed):
		tasks, err = s.cfg.Store.ListFailed(r.Context(), limit)
	default:
		writeError(w, http.StatusBadRequest, "unsupported status filter: "+status)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}
	task, err := s.cfg.Store.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
