package main

import (
	"context"
	"fmt"
	"log/slog"

	"plugbot/internal/adapter/channel"
	"plugbot/internal/domain"
	"plugbot/internal/infra/config"
	"plugbot/internal/usecase/dispatch"
)

func buildChannels(cfg *config.Config, log *slog.Logger) ([]domain.Channel, error) {
	var channels []domain.Channel
	for _, cc := range cfg.Channels {
		switch cc.Type {
		case "http":
			if cc.HTTP == nil {
				return nil, fmt.Errorf("http channel requires an http block")
			}
			var opts []channel.HTTPOption
			if cc.HTTP.AuthToken != "" {
				opts = append(opts, channel.WithHTTPAuthToken(cc.HTTP.AuthToken))
			}
			if cc.HTTP.RequestsPerSecond > 0 {
				opts = append(opts, channel.WithHTTPRateLimit(cc.HTTP.RequestsPerSecond, 0))
			}
			channels = append(channels, channel.NewHTTPChannel(cc.HTTP.Addr, log, opts...))

		case "whatsapp":
			wa := cc.WhatsApp
			if wa == nil || wa.Token == "" || wa.PhoneID == "" {
				return nil, fmt.Errorf("whatsapp.token and whatsapp.phone_id are required")
			}
			if wa.AppSecret == "" {
				log.Warn("whatsapp app_secret not set, webhook signatures will not be verified")
			}
			addr := wa.WebhookAddr
			if addr == "" {
				addr = ":8080"
			}
			var opts []channel.WhatsAppOption
			if wa.APIBase != "" {
				opts = append(opts, channel.WithWhatsAppAPIBase(wa.APIBase))
			}
			channels = append(channels, channel.NewWhatsAppChannel(wa.Token, wa.PhoneID, wa.VerifyToken, wa.AppSecret, addr, log, opts...))

		case "discord":
			ch, err := buildDiscordChannel(cc, log)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)

		case "slack":
			ch, err := buildSlackChannel(cc, log)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)

		default:
			return nil, fmt.Errorf("unknown channel type %q", cc.Type)
		}
	}
	return channels, nil
}

// messageHandler adapts the dispatcher to a channel callback.
func messageHandler(d *dispatch.Dispatcher, log *slog.Logger) domain.MessageHandler {
	return func(ctx context.Context, msg domain.InboundMessage, send domain.SendFunc) {
		out := d.Handle(ctx, msg, send)
		if out.Status == dispatch.StatusIgnored {
			return
		}
		log.Debug("message handled",
			"channel", msg.ChannelName,
			"dispatch_id", out.DispatchID,
			"command", out.Command,
			"status", string(out.Status),
			"duration", out.Duration,
		)
	}
}

// startChannels starts every channel. On the first failure it returns the
// channels already started so the caller can stop them.
func startChannels(ctx context.Context, channels []domain.Channel, d *dispatch.Dispatcher, log *slog.Logger) ([]domain.Channel, error) {
	handler := messageHandler(d, log)
	started := make([]domain.Channel, 0, len(channels))
	for _, ch := range channels {
		if err := ch.Start(ctx, handler); err != nil {
			return started, fmt.Errorf("channel %s: %w", ch.Name(), err)
		}
		log.Info("channel started", "channel", ch.Name())
		started = append(started, ch)
	}
	return started, nil
}

func stopChannels(channels []domain.Channel, log *slog.Logger) {
	for i := len(channels) - 1; i >= 0; i-- {
		ch := channels[i]
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := ch.Stop(ctx); err != nil {
			log.Error("channel stop failed", "channel", ch.Name(), "error", err)
		}
		cancel()
	}
}
