package main

import (
	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/logx"
)

// logView is the headless view: it mirrors graph changes into the log.
type logView struct {
	logger     *logx.Logger
	connecting bool
}

func newLogView(logger *logx.Logger) *logView {
	return &logView{logger: logger}
}

func (v *logView) EntityAdded(e *graph.Entity) {
	v.logger.Debugf("+ %s %q %s row %d", e.Ref(), e.ShortName, e.Placement.Column, e.Placement.Row)
}

func (v *logView) EntityUpdated(e *graph.Entity) {
	v.logger.Tracef("~ %s %q row %d", e.Ref(), e.ShortName, e.Placement.Row)
}

func (v *logView) EntityRemoved(e *graph.Entity) {
	v.logger.Debugf("- %s %q", e.Ref(), e.ShortName)
}

func (v *logView) LayoutChanged() {
	v.logger.Tracef("layout refreshed")
}

func (v *logView) ConnectingIndicator(on bool) {
	if on == v.connecting {
		return
	}
	v.connecting = on
	if on {
		v.logger.Debugf("waiting for audio server")
	} else {
		v.logger.Debugf("connected to audio server")
	}
}
