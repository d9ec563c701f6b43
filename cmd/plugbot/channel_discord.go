//go:build discord

package main

import (
	"fmt"
	"log/slog"

	"plugbot/internal/adapter/channel"
	"plugbot/internal/domain"
	"plugbot/internal/infra/config"
)

func buildDiscordChannel(cc config.ChannelConfig, log *slog.Logger) (domain.Channel, error) {
	if cc.Discord == nil || cc.Discord.Token == "" {
		return nil, fmt.Errorf("discord.token is required")
	}
	var opts []channel.DiscordOption
	if cc.Discord.GuildID != "" {
		opts = append(opts, channel.WithDiscordGuild(cc.Discord.GuildID))
	}
	if len(cc.Discord.Identities) > 0 {
		opts = append(opts, channel.WithDiscordIdentities(cc.Discord.Identities))
	}
	return channel.NewDiscordChannel(cc.Discord.Token, log, opts...), nil
}
