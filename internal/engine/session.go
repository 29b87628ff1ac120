package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/patchbay/internal/config"
	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/layout"
	"github.com/agentworkforce/patchbay/internal/logx"
	"github.com/agentworkforce/patchbay/internal/remote"
)

const (
	DefaultReconnectDelay = 2000 * time.Millisecond
	DefaultRefreshDelay   = 100 * time.Millisecond
	DefaultClientName     = "Patchbay"
	LoopbackModule        = "module-loopback"
)

// listingOrder is the order the full listings are requested in on Ready.
var listingOrder = []graph.Kind{
	graph.KindModule,
	graph.KindSink,
	graph.KindSource,
	graph.KindClient,
	graph.KindSinkInput,
	graph.KindSourceOutput,
}

type Options struct {
	Dialer     remote.Dialer
	Scheduler  Scheduler
	View       View
	Logger     Logger
	Metrics    *Metrics
	ClientName string
	Config     config.Config
	Normalizer *graph.Normalizer

	// Layout is the manifest restored once the first full listing is in.
	Layout         *layout.Manifest
	ReconnectDelay time.Duration
	RefreshDelay   time.Duration
}

// Session is the reconciler for one audio server. Every method must be
// called on the dispatch loop that drives the Scheduler and the Dialer's
// callbacks.
type Session struct {
	dialer     remote.Dialer
	sched      Scheduler
	view       View
	log        Logger
	metrics    *Metrics
	clientName string

	reconnectDelay time.Duration
	refreshDelay   time.Duration

	store    *graph.Store
	resolver *graph.Resolver
	palette  *graph.Palette
	commands *Dispatcher

	ctx   context.Context
	conn  remote.Conn
	state remote.State
	epoch uint64

	shuttingDown  bool
	stopReconnect func()
	stopRefresh   func()

	pendingListings int
	listed          bool
	manifest        *layout.Manifest
	window          layout.Manifest

	parked   map[graph.Ref]graph.Snapshot
	fetchSeq uint64
	inflight map[graph.Ref]uint64

	volumeDisabled bool
	nextConfig     *config.Config
}

func NewSession(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if opts.View == nil {
		opts.View = NopView{}
	}
	if opts.Logger == nil {
		opts.Logger = logx.Discard()
	}
	if opts.ClientName == "" {
		opts.ClientName = DefaultClientName
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = DefaultRefreshDelay
	}

	store := graph.NewStore()
	resolver := graph.NewResolver(store, graph.NewDeriver(opts.Normalizer))
	s := &Session{
		dialer:         opts.Dialer,
		sched:          opts.Scheduler,
		view:           opts.View,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		clientName:     opts.ClientName,
		reconnectDelay: opts.ReconnectDelay,
		refreshDelay:   opts.RefreshDelay,
		store:          store,
		resolver:       resolver,
		palette:        graph.NewPalette(opts.Config.Palette),
		volumeDisabled: opts.Config.VolumeControlsDisabled,
		parked:         map[graph.Ref]graph.Snapshot{},
		inflight:       map[graph.Ref]uint64{},
		window:         *layout.NewManifest(),
	}
	if opts.Layout != nil {
		s.manifest = opts.Layout.Clone()
		s.window = windowOf(opts.Layout)
	}
	s.commands = &Dispatcher{s: s}
	return s, nil
}

func windowOf(m *layout.Manifest) layout.Manifest {
	return layout.Manifest{WindowWidth: m.WindowWidth, WindowHeight: m.WindowHeight, ViewMode: m.ViewMode}
}

func (s *Session) Store() *graph.Store             { return s.store }
func (s *Session) Resolver() *graph.Resolver       { return s.resolver }
func (s *Session) Palette() *graph.Palette         { return s.palette }
func (s *Session) Commands() *Dispatcher           { return s.commands }
func (s *Session) State() remote.State             { return s.state }
func (s *Session) Connected() bool                 { return s.conn != nil && s.state == remote.StateReady }
func (s *Session) PendingLayout() *layout.Manifest { return s.manifest.Clone() }

// Start makes the first connection attempt.
func (s *Session) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	s.shuttingDown = false
	if s.stopReconnect != nil {
		s.stopReconnect()
	}
	s.view.ConnectingIndicator(true)
	s.connect()
}

// Shutdown is the user-initiated termination: the connection is released
// and nothing is rescheduled.
func (s *Session) Shutdown() {
	s.shuttingDown = true
	if s.stopReconnect != nil {
		s.stopReconnect()
		s.stopReconnect = nil
	}
	if s.stopRefresh != nil {
		s.stopRefresh()
		s.stopRefresh = nil
	}
	s.release()
	s.setState(remote.StateTerminated)
}

func (s *Session) setState(state remote.State) {
	s.state = state
	s.metrics.connectionState(state)
}

type connHandler struct {
	s     *Session
	epoch uint64
}

func (h *connHandler) StateChanged(state remote.State) {
	if h.epoch != h.s.epoch {
		return
	}
	h.s.onState(state)
}

func (h *connHandler) Event(ev remote.Event) {
	if h.epoch != h.s.epoch {
		return
	}
	h.s.onEvent(ev)
}

func (s *Session) connect() {
	s.stopReconnect = nil
	if s.shuttingDown {
		return
	}
	s.release()
	s.setState(remote.StateUnconnected)
	conn, err := s.dialer.Dial(s.ctx, s.clientName, &connHandler{s: s, epoch: s.epoch})
	if err != nil {
		s.log.Errorf("connect failed: %v", err)
		s.scheduleReconnect()
		return
	}
	s.conn = conn
}

func (s *Session) scheduleReconnect() {
	if s.shuttingDown || s.stopReconnect != nil {
		return
	}
	s.stopReconnect = s.sched.After(s.reconnectDelay, s.connect)
}

// release drops the current connection; callbacks still in flight for it
// are ignored from here on.
func (s *Session) release() {
	s.epoch++
	if s.conn == nil {
		return
	}
	conn := s.conn
	s.conn = nil
	if err := conn.Close(); err != nil {
		s.log.Debugf("close connection: %v", err)
	}
}

func (s *Session) onState(state remote.State) {
	s.setState(state)
	switch state {
	case remote.StateConnecting, remote.StateAuthorizing, remote.StateSettingName, remote.StateUnconnected:
		s.log.Debugf("connection %s", state)
	case remote.StateReady:
		s.log.Debugf("connection ready")
		s.onReady()
	case remote.StateFailed:
		s.log.Errorf("connection failed")
		s.resync()
	case remote.StateTerminated:
		if s.shuttingDown {
			s.release()
			return
		}
		s.log.Debugf("connection terminated by server")
		s.resync()
	default:
		s.log.Debugf("unhandled connection state %s", state)
	}
}

func (s *Session) onReady() {
	epoch := s.epoch
	conn := s.conn
	conn.Subscribe(func(err error) {
		if epoch != s.epoch {
			return
		}
		if err != nil {
			s.log.Errorf("subscribe failed: %v", err)
		}
		s.view.ConnectingIndicator(false)
		s.listAll(conn, epoch)
	})
}

func (s *Session) listAll(conn remote.Conn, epoch uint64) {
	s.pendingListings = len(listingOrder)
	s.listed = false
	for _, kind := range listingOrder {
		kind := kind
		conn.List(kind, func(snaps []graph.Snapshot, err error) {
			if epoch != s.epoch {
				return
			}
			if err != nil {
				s.log.Errorf("list %s failed: %v", kind, err)
			}
			for _, snap := range snaps {
				s.apply(kind, snap)
			}
			s.pendingListings--
			if s.pendingListings == 0 {
				s.initialSyncDone()
			}
		})
	}
}

func (s *Session) initialSyncDone() {
	s.listed = true
	s.log.Debugf("initial sync complete: %d entities", s.store.Total())
	if s.manifest != nil {
		s.restoreLayout(s.manifest)
		s.manifest = nil
	}
	s.scheduleRefresh()
}

func (s *Session) onEvent(ev remote.Event) {
	s.metrics.event(ev)
	kind, ok := ev.Facility.Kind()
	if !ok {
		if ev.Facility == remote.FacilityServer {
			s.log.Tracef("server %s event", ev.Type)
		} else {
			s.log.Debugf("ignoring event for unknown facility %s", ev.Facility)
		}
		return
	}
	switch ev.Type {
	case remote.EventNew, remote.EventChange:
		s.fetch(kind, ev.ID)
	case remote.EventRemove:
		s.handleRemove(kind, ev.ID)
	default:
		s.log.Debugf("ignoring unknown event type %q for %s %d", ev.Raw, kind, ev.ID)
	}
}

func (s *Session) fetch(kind graph.Kind, id uint32) {
	if s.conn == nil {
		return
	}
	ref := graph.Ref{Kind: kind, ID: id}
	s.fetchSeq++
	seq := s.fetchSeq
	s.inflight[ref] = seq
	epoch := s.epoch
	s.metrics.fetch()
	s.conn.Get(kind, id, func(snap graph.Snapshot, found bool, err error) {
		if epoch != s.epoch || s.inflight[ref] != seq {
			s.metrics.staleFetch()
			return
		}
		delete(s.inflight, ref)
		if err != nil {
			s.log.Debugf("fetch %s failed: %v", ref, err)
			return
		}
		if !found {
			s.log.Tracef("fetch %s: gone", ref)
			return
		}
		s.apply(kind, snap)
	})
}

func (s *Session) handleRemove(kind graph.Kind, id uint32) {
	ref := graph.Ref{Kind: kind, ID: id}
	delete(s.inflight, ref)
	delete(s.parked, ref)
	e, ok := s.store.Find(kind, id)
	if !ok {
		s.log.Tracef("remove of unknown %s", ref)
		return
	}
	s.destroy(e)
}

type ownerlessVerdict int

const (
	verdictKeep ownerlessVerdict = iota
	verdictPark
	verdictDrop
)

// judgeOwnerless decides what happens to a stream without a client: only
// streams of a loopback module are kept.
func (s *Session) judgeOwnerless(snap graph.Snapshot) ownerlessVerdict {
	if snap.OwnerModule == graph.InvalidIndex {
		return verdictDrop
	}
	module, ok := s.store.Find(graph.KindModule, snap.OwnerModule)
	if !ok {
		return verdictPark
	}
	if module.RawName == LoopbackModule {
		return verdictKeep
	}
	return verdictDrop
}

// apply is the single path by which remote detail enters the store.
func (s *Session) apply(kind graph.Kind, snap graph.Snapshot) {
	ref := graph.Ref{Kind: kind, ID: snap.ID}
	if s.volumeDisabled {
		snap.Volume = nil
	}
	if kind.IsStream() && snap.OwnerClient == graph.InvalidIndex {
		switch s.judgeOwnerless(snap) {
		case verdictPark:
			s.parked[ref] = snap
			return
		case verdictDrop:
			delete(s.parked, ref)
			s.log.Tracef("filtered internal stream %s", ref)
			if existing, ok := s.store.Find(kind, snap.ID); ok {
				s.destroy(existing)
			}
			return
		}
	}
	delete(s.parked, ref)

	e, isNew := s.store.Upsert(kind, snap.ID, snap)
	if e == nil {
		s.log.Debugf("rejected snapshot for %s", ref)
		return
	}
	if kind == graph.KindModule {
		s.reviewParked(e.ID)
	}
	var touched *graph.Entity
	if !isNew {
		touched = e
	}
	s.reconcile(touched)
}

func (s *Session) reviewParked(moduleID uint32) {
	var refs []graph.Ref
	for ref, snap := range s.parked {
		if snap.OwnerModule == moduleID {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
	for _, ref := range refs {
		snap := s.parked[ref]
		delete(s.parked, ref)
		s.apply(ref.Kind, snap)
	}
}

// destroy detaches e from the view and the palette, removes it from the
// store and re-resolves what depended on it.
func (s *Session) destroy(e *graph.Entity) {
	if e.Shown {
		e.Shown = false
		s.view.EntityRemoved(e)
	}
	s.palette.Release(e.Color)
	e.Color = graph.NoColor
	s.store.Remove(e.Kind, e.ID)
	delete(s.inflight, e.Ref())
	s.reconcile(nil)
}

// reconcile runs the resolver and brings the view in line with visibility.
// touched is an existing entity whose fields were just replaced.
func (s *Session) reconcile(touched *graph.Entity) {
	changed := s.resolver.Resolve()
	updated := map[*graph.Entity]bool{}
	for _, e := range changed {
		updated[e] = true
	}
	if touched != nil {
		updated[touched] = true
	}
	for _, kind := range graph.Kinds {
		for _, e := range s.store.List(kind) {
			visible := s.resolver.Visible(e)
			switch {
			case visible && !e.Shown:
				s.show(e)
			case !visible && e.Shown:
				s.hide(e)
			case visible && updated[e]:
				s.view.EntityUpdated(e)
			}
		}
	}
	s.metrics.entityCounts(s.store)
	s.scheduleRefresh()
}

func (s *Session) show(e *graph.Entity) {
	if !e.Placement.Placed() {
		e.Placement.Row = s.store.FreeRow(e.Placement.Column)
	}
	if e.Kind.IsStream() && e.Color == graph.NoColor {
		e.Color = s.palette.Acquire()
	}
	e.Shown = true
	s.view.EntityAdded(e)
}

func (s *Session) hide(e *graph.Entity) {
	e.Shown = false
	e.Placement.Row = -1
	s.view.EntityRemoved(e)
}

// resync is the reaction to a lost connection: capture the arrangement by
// name, drop every entity and try again later.
func (s *Session) resync() {
	s.release()
	s.manifest = s.captureForResync()
	s.clear()
	s.metrics.resync()
	s.scheduleReconnect()
	s.view.ConnectingIndicator(true)
}

func (s *Session) captureForResync() *layout.Manifest {
	if !s.listed && s.manifest != nil {
		// The restore never ran; keep the older arrangement.
		return s.manifest
	}
	return s.captureLayout()
}

func (s *Session) clear() {
	for _, e := range s.store.Clear() {
		if e.Shown {
			e.Shown = false
			s.view.EntityRemoved(e)
		}
		s.palette.Release(e.Color)
		e.Color = graph.NoColor
	}
	s.parked = map[graph.Ref]graph.Snapshot{}
	s.inflight = map[graph.Ref]uint64{}
	s.pendingListings = 0
	s.listed = false
	if s.nextConfig != nil {
		cfg := *s.nextConfig
		s.nextConfig = nil
		s.volumeDisabled = cfg.VolumeControlsDisabled
		if !s.palette.Recolor(cfg.Palette) {
			s.palette = graph.NewPalette(cfg.Palette)
		}
	}
	s.metrics.entityCounts(s.store)
	s.scheduleRefresh()
}

func (s *Session) scheduleRefresh() {
	if s.stopRefresh != nil || s.shuttingDown {
		return
	}
	s.stopRefresh = s.sched.After(s.refreshDelay, func() {
		s.stopRefresh = nil
		if s.shuttingDown {
			return
		}
		s.refresh()
	})
}

func (s *Session) refresh() {
	for _, e := range s.arrangeStreams() {
		s.view.EntityUpdated(e)
	}
	s.view.LayoutChanged()
}

// ApplyConfig takes a reloaded configuration. Palette colours change in
// place when the palette size is unchanged; everything else waits for the
// next resync.
func (s *Session) ApplyConfig(cfg config.Config) {
	recolored := s.palette.Recolor(cfg.Palette)
	if recolored {
		for _, e := range s.store.Streams() {
			if e.Shown {
				s.view.EntityUpdated(e)
			}
		}
		s.scheduleRefresh()
	}
	if !recolored || cfg.VolumeControlsDisabled != s.volumeDisabled {
		next := cfg
		s.nextConfig = &next
		s.log.Debugf("configuration change takes effect at next resync")
	}
}

// Snapshot returns a detached copy of the visible graph.
func (s *Session) Snapshot() GraphSnapshot {
	snap := GraphSnapshot{State: s.state.String(), Connected: s.Connected()}
	for _, kind := range graph.Kinds {
		for _, e := range s.store.List(kind) {
			snap.Entities = append(snap.Entities, s.entityState(e))
		}
	}
	return snap
}
