package displaymodule

import (
	"github.com/mantonx/signage/internal/modules/playbackmodule"
)

// Server to display message types.
const (
	MsgLayout        = "layout"
	MsgRender        = "render"
	MsgClear         = "clear"
	MsgPlay          = "play"
	MsgPause         = "pause"
	MsgMuted         = "muted"
	MsgTicker        = "ticker"
	MsgAudio         = "audio"
	MsgAudioStop     = "audio-stop"
	MsgStreamLoad    = "stream-load"
	MsgStreamDestroy = "stream-destroy"
)

// Display to server message types.
const (
	MsgHello          = "hello"
	MsgLoaded         = "loaded"
	MsgEnded          = "ended"
	MsgError          = "error"
	MsgStreamError    = "stream-error"
	MsgKey            = "key"
	MsgTickerMeasured = "ticker-measured"
)

// Message is sent to displays.
type Message struct {
	Type      string      `json:"type"`
	Region    string      `json:"region,omitempty"`
	Token     uint64      `json:"token,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Capabilities describe what a display's media stack can play.
type Capabilities struct {
	// Decoder reports a script-driven adaptive-stream decoder.
	Decoder bool `json:"decoder"`
	// Native lists manifest media types the video element plays itself.
	Native []string `json:"native,omitempty"`
	Width  int      `json:"width,omitempty"`
	Height int      `json:"height,omitempty"`
}

// ClientMessage is received from displays.
type ClientMessage struct {
	Type   string `json:"type"`
	Region string `json:"region,omitempty"`
	Token  uint64 `json:"token,omitempty"`
	Error  string `json:"error,omitempty"`

	Capabilities *Capabilities `json:"capabilities,omitempty"`

	Decoder uint64 `json:"decoder,omitempty"`

	Code *int   `json:"code,omitempty"`
	Key  string `json:"key,omitempty"`

	Gen           uint64  `json:"gen,omitempty"`
	TextWidth     float64 `json:"text_width,omitempty"`
	ViewportWidth float64 `json:"viewport_width,omitempty"`
}

type mutedData struct {
	Muted bool `json:"muted"`
}

type streamData struct {
	Decoder uint64 `json:"decoder"`
	URL     string `json:"url,omitempty"`
}

// replayState is what a display needs to catch up after (re)connecting.
type replayState struct {
	layout  *playbackmodule.Layout
	renders map[string]playbackmodule.RenderRequest
	ticker  *playbackmodule.TickerFrame
	audio   *playbackmodule.AudioTrack
}
