package engine

import (
	"context"
	"testing"
	"time"

	"github.com/agentworkforce/patchbay/internal/config"
	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/layout"
	"github.com/agentworkforce/patchbay/internal/remote"
)

type pendingGet struct {
	kind graph.Kind
	id   uint32
	done func(graph.Snapshot, bool, error)
}

type moveCall struct {
	kind   graph.Kind
	id     uint32
	target uint32
}

type volumeCall struct {
	kind   graph.Kind
	id     uint32
	levels []uint32
}

type loadCall struct {
	name     string
	argument string
}

// fakeConn records every call; tests complete callbacks by hand.
type fakeConn struct {
	subscribes []func(error)
	lists      map[graph.Kind]func([]graph.Snapshot, error)
	listOrder  []graph.Kind
	gets       []pendingGet
	moves      []moveCall
	volumes    []volumeCall
	mutes      []bool
	loads      []loadCall
	unloads    []uint32
	closed     int
}

func newFakeConn() *fakeConn {
	return &fakeConn{lists: map[graph.Kind]func([]graph.Snapshot, error){}}
}

func (c *fakeConn) Subscribe(done func(error)) { c.subscribes = append(c.subscribes, done) }

func (c *fakeConn) List(kind graph.Kind, done func([]graph.Snapshot, error)) {
	c.lists[kind] = done
	c.listOrder = append(c.listOrder, kind)
}

func (c *fakeConn) Get(kind graph.Kind, id uint32, done func(graph.Snapshot, bool, error)) {
	c.gets = append(c.gets, pendingGet{kind: kind, id: id, done: done})
}

func (c *fakeConn) SetVolume(kind graph.Kind, id uint32, levels []uint32, done func(error)) {
	c.volumes = append(c.volumes, volumeCall{kind: kind, id: id, levels: levels})
}

func (c *fakeConn) SetMute(kind graph.Kind, id uint32, muted bool, done func(error)) {
	c.mutes = append(c.mutes, muted)
}

func (c *fakeConn) MoveSourceOutput(id, source uint32, done func(error)) {
	c.moves = append(c.moves, moveCall{kind: graph.KindSourceOutput, id: id, target: source})
}

func (c *fakeConn) MoveSinkInput(id, sink uint32, done func(error)) {
	c.moves = append(c.moves, moveCall{kind: graph.KindSinkInput, id: id, target: sink})
}

func (c *fakeConn) LoadModule(name, argument string, done func(error)) {
	c.loads = append(c.loads, loadCall{name: name, argument: argument})
}

func (c *fakeConn) UnloadModule(id uint32, done func(error)) {
	c.unloads = append(c.unloads, id)
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

type fakeDialer struct {
	err      error
	conns    []*fakeConn
	handlers []remote.Handler
	attempts int
}

func (d *fakeDialer) Dial(_ context.Context, _ string, handler remote.Handler) (remote.Conn, error) {
	d.attempts++
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	d.handlers = append(d.handlers, handler)
	return conn, nil
}

func (d *fakeDialer) last(t *testing.T) (*fakeConn, remote.Handler) {
	t.Helper()
	if len(d.conns) == 0 {
		t.Fatalf("no connection was dialled")
	}
	return d.conns[len(d.conns)-1], d.handlers[len(d.handlers)-1]
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// manualScheduler only runs timers when the test fires them.
type manualScheduler struct {
	timers []*manualTimer
}

func (m *manualScheduler) After(d time.Duration, fn func()) func() {
	timer := &manualTimer{delay: d, fn: fn}
	m.timers = append(m.timers, timer)
	return func() { timer.stopped = true }
}

func (m *manualScheduler) pending(d time.Duration) int {
	n := 0
	for _, timer := range m.timers {
		if !timer.stopped && !timer.fired && timer.delay == d {
			n++
		}
	}
	return n
}

// fire runs the timers pending right now. Timers they schedule wait for the
// next call.
func (m *manualScheduler) fire() {
	due := append([]*manualTimer(nil), m.timers...)
	for _, timer := range due {
		if timer.stopped || timer.fired {
			continue
		}
		timer.fired = true
		timer.fn()
	}
}

type recordingView struct {
	added     []graph.Ref
	updated   []graph.Ref
	removed   []graph.Ref
	layouts   int
	indicator []bool
}

func (v *recordingView) EntityAdded(e *graph.Entity)   { v.added = append(v.added, e.Ref()) }
func (v *recordingView) EntityUpdated(e *graph.Entity) { v.updated = append(v.updated, e.Ref()) }
func (v *recordingView) EntityRemoved(e *graph.Entity) { v.removed = append(v.removed, e.Ref()) }
func (v *recordingView) LayoutChanged()                { v.layouts++ }
func (v *recordingView) ConnectingIndicator(on bool)   { v.indicator = append(v.indicator, on) }

func (v *recordingView) wasAdded(ref graph.Ref) bool {
	for _, r := range v.added {
		if r == ref {
			return true
		}
	}
	return false
}

type harness struct {
	session *Session
	dialer  *fakeDialer
	sched   *manualScheduler
	view    *recordingView
}

func newHarness(t *testing.T, manifest *layout.Manifest) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, sched: &manualScheduler{}, view: &recordingView{}}
	s, err := NewSession(Options{
		Dialer:    h.dialer,
		Scheduler: h.sched,
		View:      h.view,
		Metrics:   NewMetrics(nil),
		Config:    config.Default(),
		Layout:    manifest,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.session = s
	return h
}

// ready connects and answers the subscription and every listing with the
// given snapshots.
func (h *harness) ready(t *testing.T, listings map[graph.Kind][]graph.Snapshot) *fakeConn {
	t.Helper()
	if len(h.dialer.conns) == 0 {
		h.session.Start(context.Background())
	}
	conn, handler := h.dialer.last(t)
	handler.StateChanged(remote.StateReady)
	if len(conn.subscribes) != 1 {
		t.Fatalf("expected one subscribe, got %d", len(conn.subscribes))
	}
	conn.subscribes[0](nil)
	if len(conn.listOrder) != len(listingOrder) {
		t.Fatalf("expected %d listings, got %d", len(listingOrder), len(conn.listOrder))
	}
	for _, kind := range conn.listOrder {
		conn.lists[kind](listings[kind], nil)
	}
	return conn
}

func (h *harness) event(t *testing.T, typ remote.EventType, kind graph.Kind, id uint32) {
	t.Helper()
	_, handler := h.dialer.last(t)
	handler.Event(remote.Event{Type: typ, Facility: remote.FacilityOf(kind), ID: id})
}

// answer completes the oldest outstanding fetch for (kind, id).
func answer(t *testing.T, conn *fakeConn, snap graph.Snapshot) {
	t.Helper()
	for i, get := range conn.gets {
		if get.kind == snap.Kind && get.id == snap.ID {
			conn.gets = append(conn.gets[:i], conn.gets[i+1:]...)
			get.done(snap, true, nil)
			return
		}
	}
	t.Fatalf("no outstanding fetch for %s", graph.Ref{Kind: snap.Kind, ID: snap.ID})
}

func device(kind graph.Kind, id uint32, name string) graph.Snapshot {
	snap := graph.NewSnapshot(kind, id, name)
	snap.Volume = &graph.Volume{
		Levels:    []uint32{30000, 30000},
		Positions: []graph.ChannelPosition{graph.ParseChannelPosition("front-left"), graph.ParseChannelPosition("front-right")},
	}
	return snap
}

func module(id uint32, name string) graph.Snapshot {
	return graph.NewSnapshot(graph.KindModule, id, name)
}

func client(id uint32, name string) graph.Snapshot {
	return graph.NewSnapshot(graph.KindClient, id, name)
}

func sinkInput(id uint32, name string, clientID, moduleID, sink uint32) graph.Snapshot {
	snap := graph.NewSnapshot(graph.KindSinkInput, id, name)
	snap.OwnerClient = clientID
	snap.OwnerModule = moduleID
	snap.Sink = sink
	return snap
}

func sourceOutput(id uint32, name string, clientID, moduleID, source uint32) graph.Snapshot {
	snap := graph.NewSnapshot(graph.KindSourceOutput, id, name)
	snap.OwnerClient = clientID
	snap.OwnerModule = moduleID
	snap.Source = source
	return snap
}
