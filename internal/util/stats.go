package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call counter.
var Stats = &stats{}

type stats struct {
	Placed   atomic.Int64 // outgoing calls started since process start
	Received atomic.Int64 // incoming offers accepted for ringing
	Missed   atomic.Int64 // calls that ended before connecting
	Ended    atomic.Int64 // calls that ended after connecting
}

func (s *stats) AddPlaced()   { s.Placed.Add(1) }
func (s *stats) AddReceived() { s.Received.Add(1) }
func (s *stats) AddMissed()   { s.Missed.Add(1) }
func (s *stats) AddEnded()    { s.Ended.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// minute, but only when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		var prev int64
		for {
			select {
			case <-ticker.C:
				placed := Stats.Placed.Load()
				received := Stats.Received.Load()
				missed := Stats.Missed.Load()
				ended := Stats.Ended.Load()

				total := placed + received + missed + ended
				if total != prev {
					pterm.DefaultLogger.Info(fmt.Sprintf(
						"Calls: %d placed | %d received | %d missed | %d completed",
						placed, received, missed, ended))
					prev = total
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}
