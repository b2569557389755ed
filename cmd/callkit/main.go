// Callkit — CLI entry point.
//
// This tool places and receives voice/video calls with other callkit peers.
// Signaling goes through a lightweight WebSocket relay (see cmd/signald);
// media flows peer-to-peer over WebRTC.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-server, -user, -name, -ring).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/veska-im/callkit/internal/app"
	"github.com/veska-im/callkit/internal/config"
	"github.com/veska-im/callkit/internal/media"
	"github.com/veska-im/callkit/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	server := flag.String("server", "", "Signaling server URL (e.g. wss://example.com/ws)")
	user := flag.String("user", "", "User id to register with the relay")
	name := flag.String("name", "", "Display name shown to callees (defaults to user id)")
	avatar := flag.String("avatar", "", "Avatar URL shown to callees")
	ring := flag.Duration("ring", 0, "How long an outgoing call rings before giving up")
	audioIn := flag.String("audio-in", "", "Preferred audio input device id")
	videoIn := flag.String("video-in", "", "Preferred video input device id")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Callkit — v%s", version))
	pterm.Println()

	cfg := config.Config{
		SelfID:      strings.TrimSpace(*user),
		Username:    strings.TrimSpace(*name),
		Avatar:      strings.TrimSpace(*avatar),
		RingTimeout: *ring,
		Media: media.Preferences{
			AudioInputID: strings.TrimSpace(*audioIn),
			VideoInputID: strings.TrimSpace(*videoIn),
		},
	}

	if *server == "" {
		// No -server flag → interactive mode.
		fillInteractive(&cfg)
	} else {
		wsURL, err := config.NormalizeWSURL(*server)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.ServerURL = wsURL
	}

	if err := app.Run(ctx, cfg); err != nil && ctx.Err() == nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("goodbye")
}

// fillInteractive falls back to interactive prompts for any missing
// configuration.
func fillInteractive(cfg *config.Config) {
	if cfg.ServerURL == "" {
		cfg.ServerURL = askURL()
	}
	if cfg.SelfID == "" {
		cfg.SelfID = askText("User id")
	}
	if cfg.Username == "" {
		cfg.Username = askText("Display name")
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling server URL (e.g. wss://calls.example.com/ws)").
			Show()

		wsURL, err := config.NormalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}

		util.LogWarning("value must not be empty")
		pterm.Println()
	}
}
