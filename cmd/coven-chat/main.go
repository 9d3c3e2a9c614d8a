// ABOUTME: Entry point for coven-chat, the multi-platform chat bot host
// ABOUTME: Commands: serve, init, health and token

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/dispatch"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/normalize"
	"github.com/2389/coven-chat/internal/server"
	"github.com/2389/coven-chat/internal/state"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                         _           _
  ___ _____   _____ _ __           ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____   / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| | (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|        \___|_| |_|\__,_|\__|
`

func usage() {
	fmt.Println("Usage: coven-chat <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the webhook server and echo bot")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  health                        Check server readiness")
	fmt.Println("  token [-subject S] [-ttl D]   Issue an admin API token")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Secrets referenced as ${VAR} in the config may live in .env.
	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	printStartup(cfg, configPath)

	store, err := state.Open(cfg.State.DSN, state.Options{KeyPrefix: cfg.State.KeyPrefix, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	if err := store.Connect(ctx); err != nil {
		return fmt.Errorf("connecting state store: %w", err)
	}

	var m *metrics.Metrics
	var observer dispatch.Observer
	if cfg.Metrics.Enabled {
		m = metrics.New()
		observer = m
	}

	d, err := dispatch.New(dispatch.Options{
		Store: store,
		Normalize: normalize.Config{
			BotName:               cfg.Dispatch.BotName,
			BotHandle:             cfg.Dispatch.BotHandle,
			AssumeBotSenderIsSelf: cfg.Dispatch.AssumeBotSenderIsSelf,
			UserCacheTTL:          cfg.Dispatch.UserCacheTTL,
		},
		LockTTL:            cfg.Dispatch.LockTTL,
		StreamEditInterval: cfg.Streaming.MinEditInterval,
		Logger:             logger,
		Observer:           observer,
	})
	if err != nil {
		_ = store.Disconnect(context.Background())
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	adapters, err := buildAdapters(ctx, cfg, store, m, logger)
	if err != nil {
		_ = store.Disconnect(context.Background())
		return err
	}
	for _, a := range adapters {
		d.AddAdapter(a)
	}
	registerEchoBot(d, logger)

	opts := server.Options{Config: cfg, Dispatcher: d, Store: store, Metrics: m, Logger: logger}
	if cfg.Admin.JWTSecret != "" {
		opts.Admin = auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret))
	}
	srv, err := server.New(opts)
	if err != nil {
		_ = store.Disconnect(context.Background())
		return fmt.Errorf("creating server: %w", err)
	}

	logger.Info("starting coven-chat", "config", configPath, "platforms", d.Platforms())
	return srv.Run(ctx)
}

func printStartup(cfg *config.Config, configPath string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("State:     %s\n", redactDSN(cfg.State.DSN))

	var platforms []string
	if cfg.Platforms.GChat.Enabled {
		platforms = append(platforms, "gchat")
	}
	if cfg.Platforms.Matrix.Enabled {
		platforms = append(platforms, "matrix")
	}
	if cfg.Platforms.Feishu.Enabled {
		platforms = append(platforms, "feishu")
	}
	green.Print("    ▶ ")
	fmt.Printf("Platforms: %s\n", strings.Join(platforms, ", "))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()
}

// redactDSN hides the password of a URL-style DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPassword := strings.Cut(creds, ":")
	if !hasPassword {
		return dsn
	}
	return scheme + "://" + user + ":***@" + host
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{out: out, mu: &sync.Mutex{}, level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Level
	attrs []slog.Attr
	group string // dotted prefix for record attrs
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}
	buf.WriteString(r.Message)

	write := func(key string, v slog.Value) {
		buf.WriteString(color.HiBlackString(" " + key + "="))
		buf.WriteString(v.String())
	}
	for _, a := range h.attrs {
		write(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.group+a.Key, a.Value)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.group + a.Key, Value: a.Value})
	}
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = h.group + name + "."
	return &next
}

// baseURL is where the health command reaches the server.
func baseURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return strings.TrimSuffix(cfg.Server.PublicURL, "/")
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, "0.0.0.0:") || strings.HasPrefix(addr, ":") {
		addr = "localhost:" + addr[strings.LastIndex(addr, ":")+1:]
	}
	return "http://" + addr
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(string(body))
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "token subject")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret)).Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
