package session

import "github.com/matheus3301/supportchat/internal/config"

const DefaultSessionName = "main"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg := loadConfig(); cfg != nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// ResolveConversation picks the conversation to serve: the --conversation
// flag, then config.toml default_conversation. Empty means none is set.
func ResolveConversation(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil {
		return cfg.DefaultConversation
	}
	if cfg := loadConfig(); cfg != nil {
		return cfg.DefaultConversation
	}
	return ""
}

func loadConfig() *config.Config {
	cfg, err := config.Load(ConfigPath())
	if err != nil {
		return nil
	}
	return cfg
}
