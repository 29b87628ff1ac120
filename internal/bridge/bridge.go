// Package bridge speaks to an audio-server bridge over a websocket using
// JSON request, response and event frames.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/remote"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	URL   string
	Token string
	// Post runs fn on the caller's dispatch loop. Required.
	Post             func(fn func()) bool
	Logger           Logger
	HTTPHeader       http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	QueueSize        int
	ReadLimit        int64
}

type Dialer struct {
	opts   Options
	schema *jsonschema.Schema
}

func NewDialer(opts Options) (*Dialer, error) {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return nil, fmt.Errorf("bridge url is required")
	}
	parsed, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported bridge url scheme %q", parsed.Scheme)
	}
	if opts.Post == nil {
		return nil, fmt.Errorf("post function is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	schema, err := compileFrameSchema()
	if err != nil {
		return nil, err
	}
	return &Dialer{opts: opts, schema: schema}, nil
}

// Dial starts connecting in the background and returns immediately.
func (d *Dialer) Dial(ctx context.Context, clientName string, handler remote.Handler) (remote.Conn, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	connCtx, cancel := context.WithCancel(ctx)
	c := &conn{
		dialer:     d,
		handler:    handler,
		clientName: clientName,
		ctx:        connCtx,
		cancel:     cancel,
		out:        make(chan []byte, d.opts.QueueSize),
		pending:    map[uint64]func(json.RawMessage, error){},
		done:       make(chan struct{}),
	}
	go c.run()
	return c, nil
}

type conn struct {
	dialer     *Dialer
	handler    remote.Handler
	clientName string
	ctx        context.Context
	cancel     context.CancelFunc
	out        chan []byte

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]func(json.RawMessage, error)
	ws      *websocket.Conn
	closed  bool

	finishOnce sync.Once
	done       chan struct{}
}

func (c *conn) logf(format string, args ...any) {
	if c.dialer.opts.Logger != nil {
		c.dialer.opts.Logger.Printf(format, args...)
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver schedules fn on the dispatch loop unless the connection was
// closed locally by the time it runs.
func (c *conn) deliver(fn func()) {
	c.dialer.opts.Post(func() {
		if c.isClosed() {
			return
		}
		fn()
	})
}

func (c *conn) setState(state remote.State) {
	c.deliver(func() { c.handler.StateChanged(state) })
}

func (c *conn) run() {
	c.setState(remote.StateConnecting)
	ws, _, err := websocket.Dial(c.ctx, c.dialer.opts.URL, &websocket.DialOptions{
		HTTPHeader: c.dialer.opts.HTTPHeader,
	})
	if err != nil {
		c.finish(fmt.Errorf("dial %s: %w", c.dialer.opts.URL, err))
		return
	}
	ws.SetReadLimit(c.dialer.opts.ReadLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "")
		c.finish(nil)
		return
	}
	c.ws = ws
	c.mu.Unlock()

	go c.writePump(ws)
	go c.readPump(ws)

	c.setState(remote.StateAuthorizing)
	if _, err := c.roundTrip("auth", map[string]string{"token": c.dialer.opts.Token}); err != nil {
		c.finish(fmt.Errorf("auth: %w", err))
		return
	}
	c.setState(remote.StateSettingName)
	if _, err := c.roundTrip("set_client_name", map[string]string{"name": c.clientName}); err != nil {
		c.finish(fmt.Errorf("set client name: %w", err))
		return
	}
	c.setState(remote.StateReady)
}

func (c *conn) writePump(ws *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.dialer.opts.WriteTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.finish(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *conn) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		frame, err := decodeFrame(c.dialer.schema, data)
		if err != nil {
			c.logf("bridge: dropping frame: %v", err)
			continue
		}
		if frame.Event != nil {
			ev := frame.Event.event()
			c.deliver(func() { c.handler.Event(ev) })
			continue
		}
		if frame.ID == nil {
			c.logf("bridge: dropping frame without id")
			continue
		}
		c.resolve(*frame.ID, frame.Result, frame.Error)
	}
}

func (c *conn) resolve(id uint64, result json.RawMessage, remoteErr *RemoteError) {
	c.mu.Lock()
	cb, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logf("bridge: response for unknown request %d", id)
		return
	}
	if remoteErr != nil {
		cb(nil, remoteErr)
		return
	}
	cb(result, nil)
}

func (c *conn) finish(err error) {
	c.finishOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		user := c.closed
		ws := c.ws
		c.pending = map[uint64]func(json.RawMessage, error){}
		c.mu.Unlock()
		if ws != nil {
			go ws.Close(websocket.StatusNormalClosure, "")
		}

		state := remote.StateFailed
		if user || err == nil || isNormalClose(err) {
			state = remote.StateTerminated
		}
		if err != nil && state == remote.StateFailed {
			c.logf("bridge: connection failed: %v", err)
		}
		// Close is called from the dispatch loop, which must never post to
		// itself.
		if !user {
			c.setState(state)
		}
		close(c.done)
	})
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

// call queues a request without blocking. cb always runs on a bridge
// goroutine, never on the caller's.
func (c *conn) call(method string, params any, cb func(json.RawMessage, error)) {
	if c.ctx.Err() != nil {
		go cb(nil, ErrClosed)
		return
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		go cb(nil, fmt.Errorf("encode %s: %w", method, err))
		return
	}

	c.mu.Lock()
	c.pending[id] = cb
	c.mu.Unlock()

	select {
	case c.out <- data:
	default:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		go cb(nil, ErrQueueFull)
	}
}

func (c *conn) roundTrip(method string, params any) (json.RawMessage, error) {
	type reply struct {
		raw json.RawMessage
		err error
	}
	replies := make(chan reply, 1)
	c.call(method, params, func(raw json.RawMessage, err error) {
		replies <- reply{raw: raw, err: err}
	})
	ctx, cancel := context.WithTimeout(c.ctx, c.dialer.opts.HandshakeTimeout)
	defer cancel()
	select {
	case r := <-replies:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request issues an asynchronous call whose completion runs on the
// dispatch loop.
func (c *conn) request(method string, params any, done func(json.RawMessage, error)) {
	c.call(method, params, func(raw json.RawMessage, err error) {
		if done == nil {
			return
		}
		c.deliver(func() { done(raw, err) })
	})
}

func completion(done func(error)) func(json.RawMessage, error) {
	if done == nil {
		return nil
	}
	return func(_ json.RawMessage, err error) { done(err) }
}

func (c *conn) Subscribe(done func(error)) {
	facilities := make([]string, 0, len(graph.Kinds)+1)
	for _, kind := range graph.Kinds {
		facilities = append(facilities, facilityName(kind))
	}
	facilities = append(facilities, remote.FacilityServer.Name)
	c.request("subscribe", map[string]any{"facilities": facilities}, completion(done))
}

func (c *conn) List(kind graph.Kind, done func([]graph.Snapshot, error)) {
	c.request("get_info_list", map[string]any{"facility": facilityName(kind)}, func(raw json.RawMessage, err error) {
		if done == nil {
			return
		}
		if err != nil {
			done(nil, err)
			return
		}
		var infos []wireInfo
		if err := json.Unmarshal(raw, &infos); err != nil {
			done(nil, fmt.Errorf("decode %s list: %w", kind, err))
			return
		}
		snaps := make([]graph.Snapshot, 0, len(infos))
		for _, info := range infos {
			snaps = append(snaps, info.snapshot(kind))
		}
		done(snaps, nil)
	})
}

func (c *conn) Get(kind graph.Kind, id uint32, done func(graph.Snapshot, bool, error)) {
	params := map[string]any{"facility": facilityName(kind), "index": id}
	c.request("get_info", params, func(raw json.RawMessage, err error) {
		if done == nil {
			return
		}
		if errors.Is(err, ErrNoEntity) {
			done(graph.Snapshot{}, false, nil)
			return
		}
		if err != nil {
			done(graph.Snapshot{}, false, err)
			return
		}
		var info wireInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			done(graph.Snapshot{}, false, fmt.Errorf("decode %s info: %w", kind, err))
			return
		}
		snap := info.snapshot(kind)
		snap.ID = id
		done(snap, true, nil)
	})
}

func (c *conn) SetVolume(kind graph.Kind, id uint32, levels []uint32, done func(error)) {
	params := map[string]any{"facility": facilityName(kind), "index": id, "volume": levels}
	c.request("set_volume", params, completion(done))
}

func (c *conn) SetMute(kind graph.Kind, id uint32, muted bool, done func(error)) {
	params := map[string]any{"facility": facilityName(kind), "index": id, "mute": muted}
	c.request("set_mute", params, completion(done))
}

func (c *conn) MoveSourceOutput(id, source uint32, done func(error)) {
	c.request("move_source_output", map[string]any{"index": id, "source": source}, completion(done))
}

func (c *conn) MoveSinkInput(id, sink uint32, done func(error)) {
	c.request("move_sink_input", map[string]any{"index": id, "sink": sink}, completion(done))
}

func (c *conn) LoadModule(name, argument string, done func(error)) {
	c.request("load_module", map[string]any{"name": name, "argument": argument}, completion(done))
}

func (c *conn) UnloadModule(id uint32, done func(error)) {
	c.request("unload_module", map[string]any{"index": id}, completion(done))
}

// Close tears the connection down. No handler or completion callback runs
// after Close returns.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.finish(nil)
	return nil
}
