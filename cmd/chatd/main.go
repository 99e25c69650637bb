package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/supportchat/internal/config"
	"github.com/matheus3301/supportchat/internal/daemon"
	"github.com/matheus3301/supportchat/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	convFlag := flag.String("conversation", "", "conversation id to serve (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.supportchat/config.toml)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	conversationID := session.ResolveConversation(*convFlag, cfg)
	if err := session.ValidateConversationID(conversationID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Identity.UserID == "" {
		fmt.Fprintf(os.Stderr, "error: identity.user_id is not set in %s\n", cfgPath)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName:    sessionName,
			ConversationID: conversationID,
			Config:         cfg,
		}),
	)

	app.Run()
}
