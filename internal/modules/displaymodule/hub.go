package displaymodule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/signage/internal/modules/playbackmodule"
	"github.com/mantonx/signage/internal/modules/streammodule"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 128
)

// PlaybackSink receives media reports from displays.
type PlaybackSink interface {
	MediaLoaded(regionID string, token uint64)
	MediaEnded(regionID string, token uint64)
	MediaFailed(regionID string, token uint64, err error)
	TickerMeasured(gen uint64, textWidth, viewportWidth float64)
}

// KeyCodePresser consumes remote key codes.
type KeyCodePresser interface {
	Press(ctx context.Context, code int) (bool, error)
}

// KeyPresser consumes keyboard key names.
type KeyPresser interface {
	Press(ctx context.Context, key string) (bool, error)
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	caps *Capabilities
}

type decoderEntry struct {
	region  string
	url     string
	onFatal func(error)
}

// ClientInfo describes a connected display.
type ClientInfo struct {
	ID           string        `json:"id"`
	RemoteAddr   string        `json:"remote_addr"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// Hub fans playback commands out to connected displays over WebSocket and
// routes their reports back. It is the playback Renderer and the stream
// Platform of the running process.
type Hub struct {
	logger   hclog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*client
	state    replayState
	decoders map[uint64]*decoderEntry
	decSeq   uint64
	closed   bool

	sinkMu   sync.RWMutex
	playback PlaybackSink
	keyCodes KeyCodePresser
	keys     KeyPresser

	wg sync.WaitGroup
}

func NewHub(logger hclog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// displays are served from file:// and app origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*client),
		state:    replayState{renders: make(map[string]playbackmodule.RenderRequest)},
		decoders: make(map[uint64]*decoderEntry),
	}
}

// SetPlayback routes media reports to sink.
func (h *Hub) SetPlayback(sink PlaybackSink) {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	h.playback = sink
}

// SetInput routes key messages to the given producers.
func (h *Hub) SetInput(codes KeyCodePresser, keys KeyPresser) {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	h.keyCodes = codes
	h.keys = keys
}

// ServeHTTP upgrades the request and serves one display until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("display upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{id: uuid.New().String(), conn: conn, send: make(chan []byte, sendQueueSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	for _, msg := range h.replayLocked() {
		c.send <- msg
	}
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Info("display connected", "client_id", c.id, "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// replayLocked builds the catch-up messages for a new display. The send
// queue is larger than any replay.
func (h *Hub) replayLocked() [][]byte {
	var out [][]byte
	add := func(m Message) {
		if b, err := encode(m); err == nil && len(out) < sendQueueSize {
			out = append(out, b)
		}
	}

	if h.state.layout != nil {
		add(Message{Type: MsgLayout, Data: h.state.layout})
	}
	regions := make([]string, 0, len(h.state.renders))
	for id := range h.state.renders {
		regions = append(regions, id)
	}
	sort.Strings(regions)
	for _, id := range regions {
		req := h.state.renders[id]
		add(Message{Type: MsgRender, Region: id, Token: req.Token, Data: req})
	}
	for id, d := range h.decoders {
		add(Message{Type: MsgStreamLoad, Region: d.region, Data: streamData{Decoder: id, URL: d.url}})
	}
	if h.state.ticker != nil {
		add(Message{Type: MsgTicker, Data: h.state.ticker})
	}
	if h.state.audio != nil {
		add(Message{Type: MsgAudio, Data: h.state.audio})
	}
	return out
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("display connection dropped", "client_id", c.id, "error", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("invalid display message", "client_id", c.id, "error", err)
			continue
		}
		h.handle(c, msg)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Info("display disconnected", "client_id", c.id)
}

func (h *Hub) handle(c *client, msg ClientMessage) {
	h.sinkMu.RLock()
	playback, keyCodes, keys := h.playback, h.keyCodes, h.keys
	h.sinkMu.RUnlock()

	switch msg.Type {
	case MsgHello:
		h.mu.Lock()
		c.caps = msg.Capabilities
		h.mu.Unlock()
		h.logger.Debug("display hello", "client_id", c.id, "capabilities", msg.Capabilities)
	case MsgLoaded:
		if playback != nil {
			playback.MediaLoaded(msg.Region, msg.Token)
		}
	case MsgEnded:
		if playback != nil {
			playback.MediaEnded(msg.Region, msg.Token)
		}
	case MsgError:
		if playback != nil {
			playback.MediaFailed(msg.Region, msg.Token, errors.New(msg.Error))
		}
	case MsgStreamError:
		h.decoderFatal(msg.Decoder, errors.New(msg.Error))
	case MsgTickerMeasured:
		if playback != nil {
			playback.TickerMeasured(msg.Gen, msg.TextWidth, msg.ViewportWidth)
		}
	case MsgKey:
		h.handleKey(msg, keyCodes, keys)
	default:
		h.logger.Debug("unknown display message", "client_id", c.id, "type", msg.Type)
	}
}

func (h *Hub) handleKey(msg ClientMessage, keyCodes KeyCodePresser, keys KeyPresser) {
	var err error
	switch {
	case msg.Code != nil && keyCodes != nil:
		_, err = keyCodes.Press(context.Background(), *msg.Code)
	case msg.Key != "" && keys != nil:
		_, err = keys.Press(context.Background(), msg.Key)
	}
	if err != nil {
		h.logger.Warn("key dispatch failed", "error", err)
	}
}

// broadcast queues m for every display. A display whose queue is full
// misses the message; it catches up on the next reconnect.
func (h *Hub) broadcast(m Message, update func(*replayState)) {
	b, err := encode(m)
	if err != nil {
		h.logger.Error("failed to encode display message", "type", m.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if update != nil {
		update(&h.state)
	}
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.logger.Warn("display send queue full, dropping message", "client_id", c.id, "type", m.Type)
		}
	}
}

func encode(m Message) ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(m)
}

// Clients lists the connected displays.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, ClientInfo{ID: c.id, RemoteAddr: c.conn.RemoteAddr().String(), Capabilities: c.caps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close disconnects every display and waits for their writers to exit.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("display hub close: %w", ctx.Err())
	}
}

// Renderer

func (h *Hub) SetLayout(layout playbackmodule.Layout) {
	h.broadcast(Message{Type: MsgLayout, Data: layout}, func(s *replayState) {
		s.layout = &layout
	})
}

func (h *Hub) Render(req playbackmodule.RenderRequest) {
	h.broadcast(Message{Type: MsgRender, Region: req.Region, Token: req.Token, Data: req}, func(s *replayState) {
		s.renders[req.Region] = req
	})
}

func (h *Hub) Clear(regionID string) {
	h.broadcast(Message{Type: MsgClear, Region: regionID}, func(s *replayState) {
		delete(s.renders, regionID)
	})
}

func (h *Hub) Play(regionID string, token uint64) {
	h.broadcast(Message{Type: MsgPlay, Region: regionID, Token: token}, nil)
}

func (h *Hub) Pause(regionID string, token uint64) {
	h.broadcast(Message{Type: MsgPause, Region: regionID, Token: token}, nil)
}

func (h *Hub) SetMuted(regionID string, token uint64, muted bool) {
	h.broadcast(Message{Type: MsgMuted, Region: regionID, Token: token, Data: mutedData{Muted: muted}}, nil)
}

func (h *Hub) ShowTicker(frame playbackmodule.TickerFrame) {
	h.broadcast(Message{Type: MsgTicker, Data: frame}, func(s *replayState) {
		s.ticker = &frame
	})
}

func (h *Hub) PlayAudio(track playbackmodule.AudioTrack) {
	h.broadcast(Message{Type: MsgAudio, Data: track}, func(s *replayState) {
		s.audio = &track
	})
}

func (h *Hub) StopAudio() {
	h.broadcast(Message{Type: MsgAudioStop}, func(s *replayState) {
		s.audio = nil
	})
}

// Platform

// SupportsDecoder reports whether every connected display has a stream
// decoder. With no display connected nothing is supported.
func (h *Hub) SupportsDecoder() bool {
	return h.allCaps(func(c *Capabilities) bool { return c.Decoder })
}

// CanPlayNative reports whether every connected display plays mime natively.
func (h *Hub) CanPlayNative(mime string) bool {
	return h.allCaps(func(c *Capabilities) bool {
		for _, m := range c.Native {
			if m == mime {
				return true
			}
		}
		return false
	})
}

func (h *Hub) allCaps(pred func(*Capabilities) bool) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return false
	}
	for _, c := range h.clients {
		if c.caps == nil || !pred(c.caps) {
			return false
		}
	}
	return true
}

func (h *Hub) NewDecoder(regionID string, onFatal func(error)) (streammodule.Decoder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return nil, errors.New("no display connected")
	}
	h.decSeq++
	id := h.decSeq
	h.decoders[id] = &decoderEntry{region: regionID, onFatal: onFatal}
	return &remoteDecoder{hub: h, id: id, region: regionID}, nil
}

func (h *Hub) decoderFatal(id uint64, err error) {
	h.mu.RLock()
	d, ok := h.decoders[id]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("stream error for unknown decoder", "decoder", id)
		return
	}
	if d.onFatal != nil {
		d.onFatal(err)
	}
}

// remoteDecoder is a stream decoder running inside the display.
type remoteDecoder struct {
	hub    *Hub
	id     uint64
	region string
}

func (d *remoteDecoder) Load(url string) error {
	d.hub.mu.Lock()
	entry, ok := d.hub.decoders[d.id]
	if ok {
		entry.url = url
	}
	d.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("decoder %d destroyed", d.id)
	}
	d.hub.broadcast(Message{Type: MsgStreamLoad, Region: d.region, Data: streamData{Decoder: d.id, URL: url}}, nil)
	return nil
}

func (d *remoteDecoder) Destroy() error {
	d.hub.mu.Lock()
	_, ok := d.hub.decoders[d.id]
	delete(d.hub.decoders, d.id)
	d.hub.mu.Unlock()
	if !ok {
		return nil
	}
	d.hub.broadcast(Message{Type: MsgStreamDestroy, Region: d.region, Data: streamData{Decoder: d.id}}, nil)
	return nil
}
