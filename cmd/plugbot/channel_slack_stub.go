//go:build !slack

package main

import (
	"fmt"
	"log/slog"

	"plugbot/internal/domain"
	"plugbot/internal/infra/config"
)

func buildSlackChannel(_ config.ChannelConfig, _ *slog.Logger) (domain.Channel, error) {
	return nil, fmt.Errorf("slack channel requires build with -tags slack")
}
