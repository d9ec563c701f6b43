//go:build slack

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"plugbot/internal/domain"
)

// SlackOption configures the Slack channel.
type SlackOption func(*SlackChannel)

// WithSlackIdentities maps Slack member IDs to phone identities.
func WithSlackIdentities(m IdentityMap) SlackOption {
	return func(s *SlackChannel) { s.identities = m }
}

// SlackChannel implements domain.Channel for Slack via Socket Mode.
type SlackChannel struct {
	botToken   string
	appToken   string
	identities IdentityMap
	logger     *slog.Logger

	api       *slack.Client
	socketCli *socketmode.Client
	handler   domain.MessageHandler
	botUserID string
	userNames sync.Map // member ID -> display name
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(botToken, appToken string, logger *slog.Logger, opts ...SlackOption) *SlackChannel {
	s := &SlackChannel{botToken: botToken, appToken: appToken, logger: logger.With("channel", "slack")}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	s.handler = handler
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.api = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.socketCli = socketmode.New(s.api)

	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	s.botUserID = auth.UserID
	s.logger.Info("slack channel started", "bot_user_id", s.botUserID)

	go s.eventLoop()
	go func() {
		if err := s.socketCli.RunContext(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("slack socket mode error", "error", err)
		}
	}()
	return nil
}

func (s *SlackChannel) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SlackChannel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
	}
	if _, _, err := s.api.PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
		return domain.NewDomainError("SlackChannel.Send", domain.ErrChannelSend, err.Error())
	}
	return nil
}

func (s *SlackChannel) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-s.socketCli.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			s.socketCli.Ack(*evt.Request)
			if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				s.handleMessage(ev)
			}
		}
	}
}

// resolveUserName returns a cached display name for a member ID.
func (s *SlackChannel) resolveUserName(userID string) string {
	if v, ok := s.userNames.Load(userID); ok {
		return v.(string)
	}
	info, err := s.api.GetUserInfoContext(s.ctx, userID)
	if err != nil {
		s.logger.Warn("slack user lookup failed", "user_id", userID, "error", err)
		return userID
	}
	name := info.RealName
	if name == "" {
		name = info.Name
	}
	s.userNames.Store(userID, name)
	return name
}

func (s *SlackChannel) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == "" || ev.User == s.botUserID || ev.BotID != "" {
		return
	}
	content := strings.TrimSpace(strings.ReplaceAll(ev.Text, "<@"+s.botUserID+">", ""))
	if content == "" {
		return
	}

	msg := domain.InboundMessage{
		ID:          ev.ClientMsgID,
		ChannelName: "slack",
		ChatID:      ev.Channel,
		Sender:      s.identities.Resolve(ev.User),
		SenderName:  s.resolveUserName(ev.User),
		Content:     content,
		ThreadID:    ev.ThreadTimeStamp,
		Metadata:    map[string]string{"user_id": ev.User},
	}
	s.handler(s.ctx, msg, s.Send)
}
