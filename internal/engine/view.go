package engine

import "github.com/agentworkforce/patchbay/internal/graph"

// View is notified of everything a presentation layer needs to mirror the
// graph. All calls happen on the dispatch loop.
type View interface {
	EntityAdded(e *graph.Entity)
	EntityUpdated(e *graph.Entity)
	EntityRemoved(e *graph.Entity)
	LayoutChanged()
	ConnectingIndicator(on bool)
}

type NopView struct{}

func (NopView) EntityAdded(*graph.Entity)   {}
func (NopView) EntityUpdated(*graph.Entity) {}
func (NopView) EntityRemoved(*graph.Entity) {}
func (NopView) LayoutChanged()              {}
func (NopView) ConnectingIndicator(bool)    {}

type Logger interface {
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
	Tracef(format string, args ...any)
}
