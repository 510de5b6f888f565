package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"adk-router/internal/config"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCLI is the command tree. The embedded config flags are global so every
// command resolves the same configuration.
type rootCLI struct {
	config.CLI `kong:"embed"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`

	Serve serveCmd `kong:"cmd,default='withargs',help='Run the router (default).'"`
	Keys  keysCmd  `kong:"cmd,help='Manage per-organization provider API keys.'"`
	Apps  appsCmd  `kong:"cmd,help='List agent apps through the router.'"`
	Run   runCmd   `kong:"cmd,help='Send a message to an agent and stream the reply.'"`
}

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	var root rootCLI
	ctx := kong.Parse(&root,
		kong.Name("adk-router"),
		kong.Description("Router between the Forge frontend and an ADK backend."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	ctx.FatalIfErrorf(ctx.Run(&root.CLI))
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}
