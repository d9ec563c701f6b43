//go:build slack

package main

import (
	"fmt"
	"log/slog"

	"plugbot/internal/adapter/channel"
	"plugbot/internal/domain"
	"plugbot/internal/infra/config"
)

func buildSlackChannel(cc config.ChannelConfig, log *slog.Logger) (domain.Channel, error) {
	if cc.Slack == nil || cc.Slack.BotToken == "" || cc.Slack.AppToken == "" {
		return nil, fmt.Errorf("slack.bot_token and slack.app_token are required")
	}
	var opts []channel.SlackOption
	if len(cc.Slack.Identities) > 0 {
		opts = append(opts, channel.WithSlackIdentities(cc.Slack.Identities))
	}
	return channel.NewSlackChannel(cc.Slack.BotToken, cc.Slack.AppToken, log, opts...), nil
}
