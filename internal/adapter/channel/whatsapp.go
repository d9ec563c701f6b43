package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"plugbot/internal/domain"
	"plugbot/internal/infra/middleware"
)

const (
	whatsappAPIBase    = "https://graph.facebook.com"
	whatsappAPIVersion = "v21.0"
	whatsappJIDSuffix  = "@s.whatsapp.net"
	maxWebhookBody     = 4 << 20
)

// WhatsAppOption configures the WhatsApp channel.
type WhatsAppOption func(*WhatsAppChannel)

// WithWhatsAppAPIBase overrides the Graph API base URL.
func WithWhatsAppAPIBase(base string) WhatsAppOption {
	return func(w *WhatsAppChannel) {
		if base != "" {
			w.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithWhatsAppHTTPClient sets the client used for outbound API calls.
func WithWhatsAppHTTPClient(c *http.Client) WhatsAppOption {
	return func(w *WhatsAppChannel) { w.client = c }
}

// WhatsAppChannel implements domain.Channel for the WhatsApp Cloud API. It
// serves the Meta webhook for inbound messages and posts replies through the
// Graph API.
type WhatsAppChannel struct {
	token       string
	phoneID     string
	verifyToken string
	appSecret   string
	webhookAddr string
	baseURL     string
	client      *http.Client
	logger      *slog.Logger

	handler   domain.MessageHandler
	server    *http.Server
	boundAddr string
	baseCtx   context.Context
	inflight  sync.WaitGroup
}

// NewWhatsAppChannel creates a WhatsApp channel. An empty appSecret disables
// X-Hub-Signature-256 verification.
func NewWhatsAppChannel(token, phoneID, verifyToken, appSecret, webhookAddr string, logger *slog.Logger, opts ...WhatsAppOption) *WhatsAppChannel {
	w := &WhatsAppChannel{
		token:       token,
		phoneID:     phoneID,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		webhookAddr: webhookAddr,
		baseURL:     whatsappAPIBase,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger.With("channel", "whatsapp"),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start begins the webhook server. Non-blocking.
func (w *WhatsAppChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	w.handler = handler
	w.baseCtx = ctx
	if w.appSecret == "" {
		w.logger.Warn("whatsapp app secret not set; webhook signatures are not verified")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", w.handleVerification)
	mux.HandleFunc("POST /webhook", w.handleIncoming)

	w.server = &http.Server{
		Handler:           middleware.RequestID(middleware.SecurityHeaders(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", w.webhookAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.webhookAddr, err)
	}
	w.boundAddr = ln.Addr().String()

	go func() {
		w.logger.Info("whatsapp webhook started", "addr", w.boundAddr)
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("whatsapp webhook server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the webhook server and waits for in-flight dispatches.
func (w *WhatsAppChannel) Stop(ctx context.Context) error {
	if w.server == nil {
		return nil
	}
	err := w.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Name implements domain.Channel.
func (w *WhatsAppChannel) Name() string { return "whatsapp" }

// BoundAddr returns the address the webhook listens on.
func (w *WhatsAppChannel) BoundAddr() string { return w.boundAddr }

// Send posts a text message to msg.ChatID, quoting ReplyToID when set.
func (w *WhatsAppChannel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	to := strings.TrimSuffix(msg.ChatID, whatsappJIDSuffix)
	payload := whatsappSendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &whatsappSendText{Body: msg.Content},
	}
	if msg.ReplyToID != "" {
		payload.Context = &whatsappSendContext{MessageID: msg.ReplyToID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", w.baseURL, whatsappAPIVersion, w.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.WrapOp("WhatsAppChannel.Send", fmt.Errorf("%w: %w", domain.ErrChannelSend, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return domain.NewDomainError("WhatsAppChannel.Send", domain.ErrChannelSend,
			fmt.Sprintf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	return nil
}

// handleVerification answers the Meta subscription challenge.
func (w *WhatsAppChannel) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && w.verifyToken != "" && q.Get("hub.verify_token") == w.verifyToken {
		rw.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(rw, q.Get("hub.challenge"))
		return
	}
	http.Error(rw, "forbidden", http.StatusForbidden)
}

// handleIncoming acknowledges every well-signed payload with 200 so Meta
// does not retry, and dispatches messages asynchronously.
func (w *WhatsAppChannel) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.logger.Warn("whatsapp read body failed", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}

	if w.appSecret != "" && !VerifySignature(w.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp webhook signature mismatch", "request_id", middleware.RequestIDFrom(r.Context()))
		http.Error(rw, "invalid signature", http.StatusForbidden)
		return
	}

	var payload whatsappWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp payload decode failed", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}

	for _, msg := range w.inboundMessages(&payload) {
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			w.handler(w.baseCtx, msg, w.Send)
		}()
	}
	rw.WriteHeader(http.StatusOK)
}

// VerifySignature checks a Meta "sha256=<hex>" HMAC of body.
func VerifySignature(secret string, body []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// inboundMessages converts text and captioned media messages. Statuses and
// other change fields are ignored.
func (w *WhatsAppChannel) inboundMessages(payload *whatsappWebhookPayload) []domain.InboundMessage {
	var out []domain.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				content := m.content()
				if content == "" || m.From == "" {
					continue
				}
				jid := m.From + whatsappJIDSuffix
				in := domain.InboundMessage{
					ID:          m.ID,
					ChannelName: "whatsapp",
					ChatID:      jid,
					Sender:      m.From,
					RemoteJID:   jid,
					SenderName:  names[m.From],
					Content:     content,
					Timestamp:   parseUnix(m.Timestamp),
				}
				if m.Context != nil && m.Context.ID != "" {
					in.Metadata = map[string]string{"quoted_id": m.Context.ID}
				}
				out = append(out, in)
			}
		}
	}
	return out
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

// --- WhatsApp Cloud API types ---

type whatsappWebhookPayload struct {
	Object string          `json:"object"`
	Entry  []whatsappEntry `json:"entry"`
}

type whatsappEntry struct {
	ID      string           `json:"id"`
	Changes []whatsappChange `json:"changes"`
}

type whatsappChange struct {
	Field string              `json:"field"`
	Value whatsappChangeValue `json:"value"`
}

type whatsappChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []whatsappContact `json:"contacts"`
	Messages         []whatsappMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type whatsappContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type whatsappMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *whatsappCaptioned `json:"image,omitempty"`
	Video    *whatsappCaptioned `json:"video,omitempty"`
	Document *whatsappCaptioned `json:"document,omitempty"`
	Context  *struct {
		ID string `json:"id"`
	} `json:"context,omitempty"`
}

type whatsappCaptioned struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
}

// content returns the text body, or the caption of image/video/document messages.
func (m whatsappMessage) content() string {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body
		}
	case "image":
		if m.Image != nil {
			return m.Image.Caption
		}
	case "video":
		if m.Video != nil {
			return m.Video.Caption
		}
	case "document":
		if m.Document != nil {
			return m.Document.Caption
		}
	}
	return ""
}

type whatsappSendRequest struct {
	MessagingProduct string               `json:"messaging_product"`
	To               string               `json:"to"`
	Type             string               `json:"type"`
	Text             *whatsappSendText    `json:"text,omitempty"`
	Context          *whatsappSendContext `json:"context,omitempty"`
}

type whatsappSendText struct {
	Body string `json:"body"`
}

type whatsappSendContext struct {
	MessageID string `json:"message_id"`
}
