// Package hostapi is the boundary between the host's turn/decision loop and
// this extension. The host glue calls the package-level entry points from its
// simulation thread; each one forwards to the installed Handler and never lets
// a failure travel back into the host.
package hostapi

import (
	"fmt"
	"os"
)

// Handler implements the four host extension points plus the phase trigger
// that gates lazy layout resolution.
type Handler interface {
	// PhaseEntered is called when the host enters the tactical phase.
	PhaseEntered()
	// TurnStarted is called with the faction object whose turn begins.
	TurnStarted(faction uintptr)
	// AdjustPriority returns the candidate agent's priority after coordination.
	AdjustPriority(agent uintptr, priority float32) float32
	// ActionExecuted is called after agent finished executing its chosen action.
	ActionExecuted(agent uintptr)
	// TileScoresComputed is called after the host filled agent's tile scores
	// and before it consults them.
	TileScoresComputed(agent uintptr)
}

// Config defines how calls to this extension will be handled
var Config configStruct = configStruct{}

func init() {
	Config.Init()
}

// PhaseEntered forwards the phase trigger.
func PhaseEntered() {
	defer recoverEntry("PhaseEntered")
	if h := Config.handler; h != nil {
		h.PhaseEntered()
	}
}

// TurnStarted forwards the turn-start extension point.
func TurnStarted(faction uintptr) {
	defer recoverEntry("TurnStarted")
	if h := Config.handler; h != nil {
		h.TurnStarted(faction)
	}
}

// AdjustPriority forwards the priority extension point. The host's own value
// comes back unchanged when no handler is installed or the handler fails.
func AdjustPriority(agent uintptr, priority float32) (result float32) {
	result = priority
	defer func() {
		if r := recover(); r != nil {
			reportPanic("AdjustPriority", r)
			result = priority
		}
	}()
	if h := Config.handler; h != nil {
		result = h.AdjustPriority(agent, priority)
	}
	return result
}

// ActionExecuted forwards the post-execution extension point.
func ActionExecuted(agent uintptr) {
	defer recoverEntry("ActionExecuted")
	if h := Config.handler; h != nil {
		h.ActionExecuted(agent)
	}
}

// TileScoresComputed forwards the tile-score post-processing extension point.
func TileScoresComputed(agent uintptr) {
	defer recoverEntry("TileScoresComputed")
	if h := Config.handler; h != nil {
		h.TileScoresComputed(agent)
	}
}

func recoverEntry(entry string) {
	if r := recover(); r != nil {
		reportPanic(entry, r)
	}
}

// reportPanic is the last line of defense: the handler's own logging already
// failed if we got here, so write straight to stderr.
func reportPanic(entry string, r any) {
	fmt.Fprintf(os.Stderr, "squadsync: recovered panic in %s: %v\n", entry, r)
}
