// Signald — standalone signaling relay.
//
// It accepts WebSocket connections from callkit peers, registers each under
// a user id, and forwards signaling envelopes between them. It never
// inspects SDP or candidates; media always flows peer-to-peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/veska-im/callkit/internal/signaling"
	"github.com/veska-im/callkit/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	port := flag.Int("port", 8080, "Port to listen on")
	listenAll := flag.Bool("listen", false, "Listen on all network interfaces (for LAN access)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Signald — v%s", version))
	pterm.Println()

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	if *listenAll {
		addr = fmt.Sprintf(":%d", *port)
	}

	srv := signaling.NewServer()
	actualPort, err := srv.Start(addr)
	if err != nil {
		util.LogError("failed to start relay: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.LogInfo("relay listening on port %d — clients connect to ws://<host>:%d/ws", actualPort, actualPort)

	<-ctx.Done()
	util.LogInfo("shutting down")
}
