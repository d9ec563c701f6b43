package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"plugbot/internal/domain"
	"plugbot/internal/infra/middleware"
)

const (
	defaultHTTPRequestsPerSecond = 5
	defaultHTTPBurst             = 20
	maxHTTPBody                  = 1 << 20
)

// HTTPOption configures the HTTP channel.
type HTTPOption func(*HTTPChannel)

// WithHTTPAuthToken requires a bearer token on the message endpoint.
func WithHTTPAuthToken(token string) HTTPOption {
	return func(h *HTTPChannel) { h.authToken = token }
}

// WithHTTPRateLimit caps requests per client IP.
func WithHTTPRateLimit(perSecond float64, burst int) HTTPOption {
	return func(h *HTTPChannel) {
		if perSecond > 0 {
			h.rps = perSecond
		}
		if burst > 0 {
			h.burst = burst
		}
	}
}

// HTTPChannel is a JSON API transport. A POST carries one inbound message and
// the response lists every reply produced while handling it.
type HTTPChannel struct {
	addr      string
	authToken string
	rps       float64
	burst     int
	logger    *slog.Logger

	handler   domain.MessageHandler
	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc

	mu      sync.Mutex
	pending map[string]*replyCollector // chat ID -> in-flight request
}

// MessageRequest is the body of POST /api/v1/messages.
type MessageRequest struct {
	ChatID      string `json:"chat_id"`
	Sender      string `json:"sender,omitempty"`
	Participant string `json:"participant,omitempty"`
	RemoteJID   string `json:"remote_jid,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	Content     string `json:"content"`
}

// MessageResponse is returned once the message has been handled.
type MessageResponse struct {
	MessageID string        `json:"message_id"`
	Replies   []ReplyRecord `json:"replies"`
	Error     string        `json:"error,omitempty"`
}

// ReplyRecord is one reply sent during handling.
type ReplyRecord struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type replyCollector struct {
	mu      sync.Mutex
	replies []ReplyRecord
}

func (c *replyCollector) add(msg domain.OutboundMessage) {
	c.mu.Lock()
	c.replies = append(c.replies, ReplyRecord{Content: msg.Content, IsError: msg.IsError})
	c.mu.Unlock()
}

func (c *replyCollector) snapshot() []ReplyRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ReplyRecord{}, c.replies...)
}

// NewHTTPChannel creates an HTTP API channel listening on addr.
func NewHTTPChannel(addr string, logger *slog.Logger, opts ...HTTPOption) *HTTPChannel {
	h := &HTTPChannel{
		addr:    addr,
		rps:     defaultHTTPRequestsPerSecond,
		burst:   defaultHTTPBurst,
		logger:  logger.With("channel", "http"),
		pending: make(map[string]*replyCollector),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handler returns the channel's routes wrapped in middleware. Start serves it.
func (h *HTTPChannel) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/messages", middleware.BearerAuth(h.authToken)(http.HandlerFunc(h.handleMessage)))
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)

	limited := middleware.RateLimit(ctx, middleware.RateLimitConfig{RequestsPerSecond: h.rps, Burst: h.burst})(mux)
	return middleware.RequestID(middleware.SecurityHeaders(limited))
}

// Start begins serving. Non-blocking.
func (h *HTTPChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	h.handler = handler

	srvCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.server = &http.Server{
		Handler:           h.Handler(srvCtx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	h.boundAddr = ln.Addr().String()

	go func() {
		h.logger.Info("http channel started", "addr", h.boundAddr)
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (h *HTTPChannel) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// Name implements domain.Channel.
func (h *HTTPChannel) Name() string { return "http" }

// BoundAddr returns the address the server listens on.
func (h *HTTPChannel) BoundAddr() string { return h.boundAddr }

// Send attaches msg to the in-flight request for msg.ChatID. HTTP cannot
// push, so a chat with no open request is an error.
func (h *HTTPChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	h.mu.Lock()
	c, ok := h.pending[msg.ChatID]
	h.mu.Unlock()
	if !ok {
		return domain.NewDomainError("HTTPChannel.Send", domain.ErrChannelSend, "no open request for chat "+msg.ChatID)
	}
	c.add(msg)
	return nil
}

func (h *HTTPChannel) handleMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxHTTPBody)

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "invalid JSON: " + err.Error()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large (max 1MB)"
		}
		writeJSON(w, http.StatusBadRequest, MessageResponse{Error: msg})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, MessageResponse{Error: "content is required"})
		return
	}
	if req.ChatID == "" {
		req.ChatID = firstNonEmpty(req.RemoteJID, req.Sender, req.Participant)
	}
	if req.ChatID == "" {
		writeJSON(w, http.StatusBadRequest, MessageResponse{Error: "chat_id or a sender field is required"})
		return
	}

	collector := &replyCollector{}
	h.mu.Lock()
	if _, busy := h.pending[req.ChatID]; busy {
		h.mu.Unlock()
		writeJSON(w, http.StatusConflict, MessageResponse{Error: "a request for this chat is already in flight"})
		return
	}
	h.pending[req.ChatID] = collector
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, req.ChatID)
		h.mu.Unlock()
	}()

	id := middleware.RequestIDFrom(r.Context())
	if id == "" {
		id = ulid.Make().String()
	}
	msg := domain.InboundMessage{
		ID:          id,
		ChannelName: "http",
		ChatID:      req.ChatID,
		Sender:      req.Sender,
		Participant: req.Participant,
		RemoteJID:   req.RemoteJID,
		SenderName:  req.SenderName,
		Content:     req.Content,
		Timestamp:   time.Now(),
	}

	send := func(ctx context.Context, out domain.OutboundMessage) error {
		collector.add(out)
		return nil
	}
	h.handler(r.Context(), msg, send)

	writeJSON(w, http.StatusOK, MessageResponse{MessageID: id, Replies: collector.snapshot()})
}

func (h *HTTPChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
