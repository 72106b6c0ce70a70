// Package streammodule attaches adaptive-stream (HLS) playback to a
// region's video surface and tears it down again on item transitions.
package streammodule

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/signage/internal/modules/devicemodule"
)

// ManifestMIME is the HLS playlist media type.
const ManifestMIME = "application/vnd.apple.mpegurl"

// AttachMode is how a stream ended up attached.
type AttachMode string

const (
	// ModeDecoder: a streaming decoder drives the video element.
	ModeDecoder AttachMode = "decoder"
	// ModeNative: the video element plays the manifest itself.
	ModeNative AttachMode = "native"
	// ModeSource: the manifest URL is assigned as a plain source.
	ModeSource AttachMode = "source"
)

// Decoder is one streaming decoder instance bound to a video surface.
type Decoder interface {
	Load(url string) error
	Destroy() error
}

// Platform reports the display's streaming capabilities.
type Platform interface {
	SupportsDecoder() bool
	CanPlayNative(mime string) bool
	// NewDecoder creates a decoder for a region. onFatal is called at most
	// once when the decoder gives up on the stream.
	NewDecoder(regionID string, onFatal func(error)) (Decoder, error)
}

// IsStream reports whether an item needs the streaming resolver: hls items
// and any item whose URL path ends in .m3u8.
func IsStream(itemType devicemodule.ItemType, rawURL string) bool {
	if itemType == devicemodule.ItemHLS {
		return true
	}
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".m3u8")
}

type attachment struct {
	id      uint64
	url     string
	mode    AttachMode
	decoder Decoder
}

// Resolver tracks at most one attached stream per region.
type Resolver struct {
	platform Platform
	logger   hclog.Logger

	mu       sync.Mutex
	seq      uint64
	attached map[string]*attachment
}

func NewResolver(platform Platform, logger hclog.Logger) *Resolver {
	return &Resolver{
		platform: platform,
		logger:   logger,
		attached: make(map[string]*attachment),
	}
}

// Attach binds rawURL to the region's video surface, detaching whatever was
// attached there before. It prefers a decoder, then native playback, then
// a bare source. onFatal runs when the attached decoder fails for good; a
// failure from a decoder that has since been replaced is ignored.
func (r *Resolver) Attach(regionID, rawURL string, onFatal func(error)) (AttachMode, error) {
	if rawURL == "" {
		return "", fmt.Errorf("region %s: empty stream url", regionID)
	}
	r.Detach(regionID)

	r.mu.Lock()
	r.seq++
	id := r.seq
	r.mu.Unlock()

	att := &attachment{id: id, url: rawURL, mode: ModeSource}

	switch {
	case r.platform == nil:
	case r.platform.SupportsDecoder():
		dec, err := r.platform.NewDecoder(regionID, func(err error) {
			r.fatal(regionID, id, err, onFatal)
		})
		if err != nil {
			r.logger.Warn("stream decoder unavailable, falling back", "region", regionID, "error", err)
			att.mode = r.fallbackMode()
			break
		}
		if err := dec.Load(rawURL); err != nil {
			r.logger.Warn("stream decoder failed to load manifest, falling back", "region", regionID, "url", rawURL, "error", err)
			_ = dec.Destroy()
			att.mode = r.fallbackMode()
			break
		}
		att.mode = ModeDecoder
		att.decoder = dec
	default:
		att.mode = r.fallbackMode()
	}

	r.mu.Lock()
	r.attached[regionID] = att
	r.mu.Unlock()

	r.logger.Debug("stream attached", "region", regionID, "url", rawURL, "mode", att.mode)
	return att.mode, nil
}

func (r *Resolver) fallbackMode() AttachMode {
	if r.platform != nil && r.platform.CanPlayNative(ManifestMIME) {
		return ModeNative
	}
	return ModeSource
}

func (r *Resolver) fatal(regionID string, id uint64, err error, onFatal func(error)) {
	r.mu.Lock()
	att, ok := r.attached[regionID]
	if !ok || att.id != id {
		r.mu.Unlock()
		r.logger.Debug("ignoring fatal error from a detached decoder", "region", regionID, "error", err)
		return
	}
	delete(r.attached, regionID)
	r.mu.Unlock()

	r.logger.Warn("stream decoder fatal error", "region", regionID, "url", att.url, "error", err)
	r.destroy(regionID, att)
	if onFatal != nil {
		onFatal(err)
	}
}

// Detach tears down the region's stream, if any.
func (r *Resolver) Detach(regionID string) {
	r.mu.Lock()
	att, ok := r.attached[regionID]
	delete(r.attached, regionID)
	r.mu.Unlock()

	if ok {
		r.destroy(regionID, att)
	}
}

// DetachAll tears down every stream.
func (r *Resolver) DetachAll() {
	r.mu.Lock()
	all := r.attached
	r.attached = make(map[string]*attachment)
	r.mu.Unlock()

	for regionID, att := range all {
		r.destroy(regionID, att)
	}
}

// Attached returns the attach mode of the region's current stream.
func (r *Resolver) Attached(regionID string) (AttachMode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	att, ok := r.attached[regionID]
	if !ok {
		return "", false
	}
	return att.mode, true
}

func (r *Resolver) destroy(regionID string, att *attachment) {
	if att.decoder == nil {
		return
	}
	if err := att.decoder.Destroy(); err != nil {
		r.logger.Warn("failed to destroy stream decoder", "region", regionID, "error", err)
	}
}
