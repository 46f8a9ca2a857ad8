package config

import "fmt"

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`

	// AllowedUsers restricts who can talk to the bot. Empty means anyone.
	AllowedUsers []string `yaml:"allowed_users"`

	// GroupMentionOnly requires an @mention before the bot reacts in groups.
	GroupMentionOnly bool `yaml:"group_mention_only"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`

	AllowedUsers     []string `yaml:"allowed_users"`
	GroupMentionOnly bool     `yaml:"group_mention_only"`
}

func (c *ChannelsConfig) validate() error {
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.bot_token is required when telegram is enabled")
	}
	if c.Discord.Enabled && c.Discord.BotToken == "" {
		return fmt.Errorf("channels.discord.bot_token is required when discord is enabled")
	}
	return nil
}
