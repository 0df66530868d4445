//go:build darwin

package gateway

import (
	"log/slog"

	"github.com/openpista/openpista/internal/channels"
	"github.com/openpista/openpista/internal/channels/imessage"
	"github.com/openpista/openpista/internal/config"
	"github.com/openpista/openpista/pkg/models"
)

// registerIMessagePlugin registers the iMessage channel plugin. iMessage
// reads from the local Messages.app SQLite database, which only exists on
// macOS, so this adapter is only buildable and registered on darwin.
func registerIMessagePlugin(registry *channelPluginRegistry) {
	registry.Register(imessagePlugin{})
}

type imessagePlugin struct{}

func (imessagePlugin) Manifest() ChannelPluginManifest {
	return ChannelPluginManifest{
		ID:   models.ChannelIMessage,
		Name: "iMessage",
	}
}

func (imessagePlugin) Enabled(cfg *config.Config) bool {
	return cfg != nil && cfg.Channels.IMessage.Enabled
}

func (imessagePlugin) Build(cfg *config.Config, logger *slog.Logger) (channels.Adapter, error) {
	im := cfg.Channels.IMessage
	imCfg := imessage.DefaultConfig()
	imCfg.Enabled = im.Enabled
	if im.DatabasePath != "" {
		imCfg.DatabasePath = im.DatabasePath
	}
	if im.PollInterval != "" {
		imCfg.PollInterval = im.PollInterval
	}
	return imessage.New(imCfg, logger)
}
