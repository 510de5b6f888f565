package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"

	"adk-router/internal/adk"
	"adk-router/internal/config"
)

type appsCmd struct {
	Org string `kong:"help='Organization ID sent as x-org-id.',env='ADK_ORG_ID'"`
}

func (a *appsCmd) Run(cli *config.CLI) error {
	cfg, err := config.Load(cli)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	apps, err := routerClient(cfg, a.Org).ListApps(ctx)
	if err != nil {
		return err
	}
	for _, app := range apps {
		fmt.Println(app)
	}
	return nil
}

type runCmd struct {
	App     string   `kong:"arg,help='Agent app name.'"`
	Message []string `kong:"arg,help='Message text.'"`

	Org     string `kong:"help='Organization ID sent as x-org-id.',env='ADK_ORG_ID'"`
	User    string `kong:"default='cli',help='User ID owning the session.'"`
	Session string `kong:"help='Existing session ID; a new session is created when empty.'"`
}

func (r *runCmd) Run(cli *config.CLI) error {
	cfg, err := config.Load(cli)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := routerClient(cfg, r.Org)

	sessionID := r.Session
	if sessionID == "" {
		s, err := c.CreateSession(ctx, r.App, r.User, map[string]any{"cli_run_id": uuid.NewString()})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = s.ID
		fmt.Fprintf(os.Stderr, "session %s\n", sessionID)
	}

	req := &adk.RunRequest{
		AppName:    r.App,
		UserID:     r.User,
		SessionID:  sessionID,
		NewMessage: adk.Content{Role: "user", Parts: []adk.Part{{Text: strings.Join(r.Message, " ")}}},
		Streaming:  true,
	}

	streamed := false
	err = c.RunSSE(ctx, req, func(ev adk.Event) error {
		if ev.ErrorMessage != "" {
			return fmt.Errorf("agent error %s: %s", ev.ErrorCode, ev.ErrorMessage)
		}
		// Partial events carry deltas; the closing event repeats the full text.
		switch {
		case ev.Partial:
			streamed = true
			fmt.Print(ev.Content.Text())
		case !streamed:
			fmt.Print(ev.Content.Text())
		}
		if ev.TurnComplete {
			fmt.Println()
			streamed = false
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("run %s: %w", r.App, err)
	}
	return nil
}

func routerClient(cfg *config.Config, orgID string) *adk.Client {
	var opts []adk.Option
	if orgID != "" {
		opts = append(opts, adk.WithOrgID(orgID))
	}
	return adk.NewClient(adk.RouterURL(cfg.Router.PublicURL), opts...)
}
