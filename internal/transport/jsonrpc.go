// Package transport terminates JSON-RPC 2.0 over HTTP: envelope
// validation, batch requests, method dispatch, and the stable error
// taxonomy mapping, served through a chi router the way the rest of this
// codebase's HTTP surfaces are built.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/orcherr"
)

// Request is one JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *Request) isNotification() bool { return len(r.ID) == 0 }

// Response is one JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC 2.0 error member.
type ErrorObject struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// MethodFunc handles one decoded method call, returning a JSON-serializable
// result or an error. Notification methods (control operations) may return
// (nil, nil); the transport layer suppresses the response in that case.
type MethodFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Dispatcher resolves a method name to its handler.
type Dispatcher interface {
	Lookup(method string) (MethodFunc, bool)
}

// notificationMethods lists methods that may be submitted as
// notifications (no id) per the fire-and-forget control contract.
var notificationMethods = map[string]bool{
	"control.scale":   true,
	"control.pause":   true,
	"control.resume":  true,
	"control.reclaim": true,
}

// Server terminates JSON-RPC 2.0 over HTTP.
type Server struct {
	router     chi.Router
	dispatcher Dispatcher
	logger     *logging.Logger
}

// Config configures CORS and request limits.
type Config struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
}

func DefaultConfig() Config {
	return Config{AllowedOrigins: []string{"*"}, MaxBodyBytes: 10 << 20}
}

func NewServer(dispatcher Dispatcher, config Config, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 10 << 20
	}

	s := &Server{dispatcher: dispatcher, logger: logger.With("transport")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Post("/rpc", s.handleRPC(config.MaxBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleRPC(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			s.writeSingle(w, errorResponse(nil, orcherr.CodeInvalidRequest, "failed to read body"))
			return
		}
		if int64(len(body)) > maxBody {
			s.writeSingle(w, errorResponse(nil, orcherr.CodeInvalidRequest, "request body too large"))
			return
		}

		trimmed := trimLeadingWhitespace(body)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			s.handleBatch(w, r, body)
			return
		}
		s.handleSingle(w, r, body)
	}
}

func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request, body []byte) {
	resp := s.process(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeSingle(w, *resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		s.writeSingle(w, errorResponse(nil, orcherr.CodeInvalidRequest, "malformed batch"))
		return
	}
	if len(raws) == 0 {
		s.writeSingle(w, errorResponse(nil, orcherr.CodeInvalidRequest, "empty batch"))
		return
	}

	responses := make([]Response, 0, len(raws))
	for _, raw := range raws {
		if resp := s.process(r.Context(), raw); resp != nil {
			responses = append(responses, *resp)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(responses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := json.NewEncoder(w).Encode(responses); err != nil {
		s.logger.Error("failed to encode batch response", logging.Fields{"error": err.Error()})
	}
}

// process decodes and dispatches one request, returning nil for
// notifications whose handler succeeded (per JSON-RPC 2.0, no response is
// sent for notifications).
func (s *Server) process(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return ptr(errorResponse(nil, orcherr.CodeInvalidRequest, "malformed request"))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return ptr(errorResponse(req.ID, orcherr.CodeInvalidRequest, "missing jsonrpc/method"))
	}
	if req.isNotification() && !notificationMethods[req.Method] {
		return ptr(errorResponse(req.ID, orcherr.CodeInvalidRequest, "only control methods may be submitted as notifications"))
	}

	handler, ok := s.dispatcher.Lookup(req.Method)
	if !ok {
		if req.isNotification() {
			return nil
		}
		return ptr(errorResponse(req.ID, orcherr.CodeMethodNotFound, ""))
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	result, err := handler(callCtx, req.Params)
	if req.isNotification() {
		if err != nil {
			s.logger.Warn("notification handler failed", logging.Fields{"method": req.Method, "error": err.Error()})
		}
		return nil
	}
	if err != nil {
		return ptr(s.errorFromHandler(req.ID, err))
	}
	return ptr(Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) errorFromHandler(id json.RawMessage, err error) Response {
	var oe *orcherr.Error
	if e, ok := err.(*orcherr.Error); ok {
		oe = e
	} else {
		oe = orcherr.Internal("transport", err)
	}
	return Response{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: int(oe.Code), Message: oe.Message, Data: oe.Data}}
}

func (s *Server) writeSingle(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", logging.Fields{"error": err.Error()})
	}
}

func errorResponse(id json.RawMessage, code orcherr.Code, msg string) Response {
	e := orcherr.New("transport", code, msg, nil)
	return Response{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: int(e.Code), Message: e.Message}}
}

func ptr(r Response) *Response { return &r }

func trimLeadingWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}
