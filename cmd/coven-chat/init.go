// ABOUTME: Interactive config writer for `coven-chat init`
// ABOUTME: Secrets are written as ${VAR} references so they can live in .env

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-chat/internal/config"
)

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-chat configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	answers, err := askInit(reader)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(answers.render()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	if len(answers.envVars) > 0 {
		fmt.Println("\nSet these in the environment or in .env:")
		for _, v := range answers.envVars {
			fmt.Printf("  %s=\n", v)
		}
	}
	fmt.Println("\nTo start the server:")
	fmt.Println("  coven-chat serve")
	return nil
}

type initAnswers struct {
	httpAddr   string
	publicURL  string
	stateDSN   string
	botName    string
	gchat      bool
	gchatProj  string
	gchatCreds string
	gchatTopic string
	matrix     bool
	matrixHS   string
	matrixUser string
	feishu     bool
	feishuApp  string
	tailscale  bool
	tsHostname string
	tsFunnel   bool
	adminKey   string
	logLevel   string
	logFormat  string

	envVars []string
}

func askInit(reader *bufio.Reader) (*initAnswers, error) {
	a := &initAnswers{}

	fmt.Println("\n--- Server ---")
	a.httpAddr = prompt(reader, "HTTP address", "0.0.0.0:8080")
	a.publicURL = prompt(reader, "Public URL (leave empty if unknown)", "")
	a.stateDSN = prompt(reader, "State DSN (memory://, sqlite://, pebble://, redis://, postgres://)", "sqlite://coven-chat.db")

	fmt.Println("\n--- Bot ---")
	a.botName = prompt(reader, "Bot display name", "Coven")

	fmt.Println("\n--- Platforms ---")
	if a.gchat = yes(prompt(reader, "Enable Google Chat?", "no")); a.gchat {
		a.gchatProj = prompt(reader, "Google Cloud project number", "")
		a.gchatCreds = prompt(reader, "Service account key file", "service-account.json")
		a.gchatTopic = prompt(reader, "Pub/Sub topic for subscribed spaces (optional)", "")
	}
	if a.matrix = yes(prompt(reader, "Enable Matrix?", "no")); a.matrix {
		a.matrixHS = prompt(reader, "Homeserver URL", "https://matrix.org")
		a.matrixUser = prompt(reader, "Bot user id", "@coven:matrix.org")
		a.envVars = append(a.envVars, "MATRIX_AS_TOKEN", "MATRIX_HS_TOKEN")
	}
	if a.feishu = yes(prompt(reader, "Enable Feishu/Lark?", "no")); a.feishu {
		a.feishuApp = prompt(reader, "App id", "")
		a.envVars = append(a.envVars, "FEISHU_APP_SECRET", "FEISHU_ENCRYPT_KEY", "FEISHU_VERIFICATION_TOKEN")
	}
	if !a.gchat && !a.matrix && !a.feishu {
		return nil, fmt.Errorf("at least one platform must be enabled")
	}

	fmt.Println("\n--- Tailscale ---")
	if a.tailscale = yes(prompt(reader, "Enable Tailscale?", "no")); a.tailscale {
		a.tsHostname = prompt(reader, "Tailscale hostname", "coven-chat")
		a.tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS for webhooks)?", "yes"))
		a.envVars = append(a.envVars, "TS_AUTHKEY")
	}

	fmt.Println("\n--- Admin API ---")
	if yes(prompt(reader, "Enable admin API?", "yes")) {
		key, err := randomSecret(rand.Reader)
		if err != nil {
			return nil, err
		}
		a.adminKey = key
	}

	fmt.Println("\n--- Logging ---")
	a.logLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, "Log format (text/json)", "text")
	return a, nil
}

// render produces the YAML config file.
func (a *initAnswers) render() string {
	var b strings.Builder
	line := func(format string, args ...any) { fmt.Fprintf(&b, format+"\n", args...) }

	line("# coven-chat configuration")
	line("# Generated by coven-chat init")
	line("")
	line("server:")
	line("  http_addr: %q", a.httpAddr)
	if a.publicURL != "" {
		line("  public_url: %q", a.publicURL)
	}
	line("")
	line("state:")
	line("  dsn: %q", a.stateDSN)
	line("")
	line("dispatch:")
	line("  bot_name: %q", a.botName)
	line("  lock_ttl: \"30s\"")
	line("")
	line("platforms:")
	if a.gchat {
		line("  gchat:")
		line("    enabled: true")
		line("    project_number: %q", a.gchatProj)
		line("    credentials_file: %q", a.gchatCreds)
		if a.gchatTopic != "" {
			line("    pubsub_topic: %q", a.gchatTopic)
		}
	}
	if a.matrix {
		line("  matrix:")
		line("    enabled: true")
		line("    homeserver: %q", a.matrixHS)
		line("    user_id: %q", a.matrixUser)
		line("    as_token: \"${MATRIX_AS_TOKEN}\"")
		line("    hs_token: \"${MATRIX_HS_TOKEN}\"")
	}
	if a.feishu {
		line("  feishu:")
		line("    enabled: true")
		line("    app_id: %q", a.feishuApp)
		line("    app_secret: \"${FEISHU_APP_SECRET}\"")
		line("    encrypt_key: \"${FEISHU_ENCRYPT_KEY}\"")
		line("    verification_token: \"${FEISHU_VERIFICATION_TOKEN}\"")
	}
	line("")
	line("tailscale:")
	line("  enabled: %t", a.tailscale)
	if a.tailscale {
		line("  hostname: %q", a.tsHostname)
		line("  funnel: %t", a.tsFunnel)
	}
	line("")
	if a.adminKey != "" {
		line("admin:")
		line("  jwt_secret: %q", a.adminKey)
		line("")
	}
	line("logging:")
	line("  level: %q", a.logLevel)
	line("  format: %q", a.logFormat)
	line("")
	line("metrics:")
	line("  enabled: true")
	line("  path: \"/metrics\"")
	return b.String()
}

func randomSecret(r io.Reader) (string, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secret), nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
