package domain

import (
	"context"
	"time"
)

// InboundMessage is a message received from a channel.
//
// Sender, Participant and RemoteJID are the three identity-bearing fields a
// transport can fill. In group chats the transport usually sets Participant to
// the actual author and RemoteJID to the group, so IdentityOf checks them in
// that order.
type InboundMessage struct {
	ID          string    `json:"id"`
	ChannelName string    `json:"channel"`
	ChatID      string    `json:"chat_id"`
	Sender      string    `json:"sender,omitempty"`
	Participant string    `json:"participant,omitempty"`
	RemoteJID   string    `json:"remote_jid,omitempty"`
	SenderName  string    `json:"sender_name,omitempty"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`

	// Enriched fields, all zero-value safe.
	ThreadID string            `json:"thread_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply sent back through a channel.
type OutboundMessage struct {
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	ThreadID string            `json:"thread_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SendFunc delivers an outbound message on the originating transport.
type SendFunc func(ctx context.Context, msg OutboundMessage) error

// MessageHandler is a callback the channel invokes when it receives input.
// The send function routes replies back to the same channel.
type MessageHandler func(ctx context.Context, msg InboundMessage, send SendFunc)

// Channel is the interface for chat transport adapters.
type Channel interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	Name() string
}
