package playbackmodule

import (
	"github.com/mantonx/signage/internal/modules/devicemodule"
	"github.com/mantonx/signage/internal/modules/streammodule"
)

// Object-fit modes for media.
const (
	FitContain = "contain"
	FitFill    = "fill"
)

// RenderRequest asks the display to show one item in a region.
type RenderRequest struct {
	Region string            `json:"region"`
	Token  uint64            `json:"token"`
	Item   devicemodule.Item `json:"item"`
	// URL is what the display should load: a local media URL when the
	// asset is cached, else the remote URL.
	URL        string                  `json:"url,omitempty"`
	Grid       devicemodule.Grid       `json:"grid"`
	Fit        string                  `json:"fit"`
	Muted      bool                    `json:"muted"`
	Autoplay   bool                    `json:"autoplay"`
	Stream     streammodule.AttachMode `json:"stream,omitempty"`
	Angle      float64                 `json:"angle,omitempty"`
	Transition string                  `json:"transition,omitempty"`
}

// Layout is the screen grid and header.
type Layout struct {
	GridX      int    `json:"grid_x"`
	GridY      int    `json:"grid_y"`
	DeviceName string `json:"device_name,omitempty"`
}

// TickerFrame shows one ticker entry; a frame with Visible unset hides the
// ticker bar. The display answers with the measured width for Gen.
type TickerFrame struct {
	Gen     uint64              `json:"gen"`
	Index   int                 `json:"index"`
	Visible bool                `json:"visible"`
	Ticker  devicemodule.Ticker `json:"ticker"`
}

// AudioTrack is the looping background track.
type AudioTrack struct {
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
	Loop   bool   `json:"loop"`
}

// Renderer is the display side. Calls must not block: implementations
// queue the command and return.
type Renderer interface {
	SetLayout(layout Layout)
	Render(req RenderRequest)
	Clear(regionID string)
	Play(regionID string, token uint64)
	Pause(regionID string, token uint64)
	SetMuted(regionID string, token uint64, muted bool)
	ShowTicker(frame TickerFrame)
	PlayAudio(track AudioTrack)
	StopAudio()
}

// URLResolver maps a remote asset URL to the URL the display should load.
type URLResolver interface {
	URLFor(rawURL string) string
}

// StreamAttacher attaches adaptive streams to a region's video surface.
type StreamAttacher interface {
	Attach(regionID, rawURL string, onFatal func(error)) (streammodule.AttachMode, error)
	Detach(regionID string)
}

// Hooks are transition callbacks. They run on the region's goroutine and
// must not block.
type Hooks struct {
	OnActivate   func(regionID string, index int, item devicemodule.Item)
	OnDeactivate func(regionID string, index int, item devicemodule.Item)
}

type passthroughURLs struct{}

func (passthroughURLs) URLFor(rawURL string) string { return rawURL }
