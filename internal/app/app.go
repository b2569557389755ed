// Package app orchestrates the full client lifecycle: media devices,
// signaling connection, call machine, and the interactive console.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/veska-im/callkit/internal/call"
	"github.com/veska-im/callkit/internal/config"
	"github.com/veska-im/callkit/internal/media"
	"github.com/veska-im/callkit/internal/session"
	"github.com/veska-im/callkit/internal/signaling"
	"github.com/veska-im/callkit/internal/util"
)

// Run orchestrates the full client lifecycle:
//  1. Open the capture device layer
//  2. Connect and register with the signaling relay
//  3. Start the call machine, routing inbound envelopes into it
//  4. Serve interactive commands until shutdown
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	devices, err := media.New(cfg.Media)
	if err != nil {
		return fmt.Errorf("open media devices: %w", err)
	}

	client, err := signaling.Dial(ctx, cfg.ServerURL, cfg.SelfID)
	if err != nil {
		return fmt.Errorf("connect to signaling server: %w", err)
	}
	defer client.Close()
	util.LogInfo("registered as %s at %s", client.SelfID(), cfg.ServerURL)

	machine := call.NewMachine(
		call.Config{
			Self:        call.PeerInfo{ID: client.SelfID(), Username: cfg.Username, Avatar: cfg.Avatar},
			RingTimeout: cfg.RingTimeout,
		},
		client,
		func() (call.Session, error) { return session.New(devices.API()) },
		devices,
	)

	machine.OnIncoming(func(info call.Info) {
		pterm.Println()
		pterm.Info.Printfln("Incoming %s call from %s — 'accept' or 'reject'", info.Type, info.Peer.Username)
	})
	machine.OnStateChange(func(s call.State) {
		util.LogDebug("state: %s", s)
	})
	machine.OnEnd(func(r call.Report) {
		pterm.Println()
		switch r.Type {
		case call.ReportMissed:
			pterm.Warning.Printfln("Missed %s call with %s", r.CallType, r.PeerUsername)
		case call.ReportEnded:
			pterm.Info.Printfln("Call with %s ended after %s", r.PeerUsername, r.Duration.Round(time.Second))
		}
	})

	machine.Start()
	defer machine.Close()

	client.OnMessage(machine.HandleSignal)

	disconnected := make(chan struct{})
	client.OnClose(func(err error) {
		if err != nil {
			util.LogWarning("signaling connection lost: %v", err)
		}
		close(disconnected)
	})

	util.StartStatsReporter(ctx)
	return serveConsole(ctx, machine, disconnected)
}

// serveConsole runs the interactive command loop until the context is
// cancelled or the signaling connection drops.
func serveConsole(ctx context.Context, m *call.Machine, disconnected <-chan struct{}) error {
	lines := make(chan string)
	go func() {
		for {
			raw, _ := pterm.DefaultInteractiveTextInput.
				WithDefaultText("callkit").
				Show()
			select {
			case lines <- strings.TrimSpace(raw):
			case <-ctx.Done():
				return
			}
		}
	}()

	printHelp()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-disconnected:
			return fmt.Errorf("signaling connection closed")
		case line := <-lines:
			if line == "quit" || line == "exit" {
				return nil
			}
			runCommand(m, line)
		}
	}
}

func runCommand(m *call.Machine, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	var err error
	switch fields[0] {
	case "call", "video":
		if len(fields) < 2 {
			pterm.Warning.Println("usage: call <user> | video <user>")
			return
		}
		ctype := call.TypeVoice
		if fields[0] == "video" {
			ctype = call.TypeVideo
		}
		err = m.CallPeer(call.PeerInfo{ID: fields[1], Username: fields[1]}, ctype)
	case "accept":
		err = m.Accept()
	case "reject":
		err = m.Reject()
	case "hangup":
		err = m.Hangup()
	case "mute":
		err = m.ToggleMute()
	case "camera":
		err = m.ToggleCamera()
	case "screen":
		err = m.ToggleScreenShare()
	case "status":
		printStatus(m.Snapshot())
	case "help":
		printHelp()
	default:
		pterm.Warning.Printfln("unknown command: %s", fields[0])
	}

	if err != nil {
		util.LogWarning("%v", err)
	}
}

func printStatus(s call.Snapshot) {
	pterm.Info.Printfln("state: %s", s.State)
	if s.Info != nil {
		pterm.Info.Printfln("peer: %s (%s call)", s.Info.Peer.Username, s.Info.Type)
	}
	if s.State == call.StateConnected {
		pterm.Info.Printfln("duration: %s  muted: %v  camera: %v  screen: %v",
			s.Duration.Round(time.Second), s.Muted, s.CameraOn, s.ScreenSharing)
	}
}

func printHelp() {
	pterm.Println()
	pterm.Info.Println("commands: call <user> · video <user> · accept · reject · hangup · mute · camera · screen · status · quit")
	pterm.Println()
}
