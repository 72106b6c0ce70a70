package playbackmodule

import (
	"time"

	"github.com/mantonx/signage/internal/modules/devicemodule"
)

const (
	// DefaultItemDuration applies when neither the item nor the settings
	// give a duration.
	DefaultItemDuration = 8 * time.Second
	// ErrorAdvanceDelay bounds how long a broken asset holds its region.
	ErrorAdvanceDelay = 500 * time.Millisecond
	// UnmuteDelay separates the loaded callback from the unmute attempt.
	UnmuteDelay = 100 * time.Millisecond
)

// ItemDuration returns how long item stays on screen before auto-advance.
// ok is false when the item advances only on its end or error callback.
//
//   - image: override, else settings.imageDuration, else 8s
//   - video/hls: settings.videoDuration, only when the item has no override
//   - web/url/html and unknown types: override, else webDuration, else
//     imageDuration, else 8s
func ItemDuration(item devicemodule.Item, settings devicemodule.Settings) (d time.Duration, ok bool) {
	switch {
	case item.Type == devicemodule.ItemImage:
		return firstSet(item.Duration, settings.ImageDuration), true
	case item.UsesVideoElement():
		if settings.VideoDuration.IsSet() && !item.Duration.IsSet() {
			return settings.VideoDuration.Duration(), true
		}
		return 0, false
	default:
		return firstSet(item.Duration, settings.WebDuration, settings.ImageDuration), true
	}
}

// armsOnLoad reports whether the item's timer waits for its loaded callback.
func armsOnLoad(item devicemodule.Item) bool {
	return item.Type == devicemodule.ItemImage
}

func firstSet(values ...devicemodule.Millis) time.Duration {
	for _, v := range values {
		if v.IsSet() {
			return v.Duration()
		}
	}
	return DefaultItemDuration
}

// Cursor is a position in a playlist. It wraps in both directions and
// never moves on playlists of one item or fewer.
type Cursor struct {
	index  int
	length int
}

func NewCursor(length int) Cursor {
	return Cursor{length: length}
}

func (c Cursor) Index() int {
	return c.index
}

// Next moves forward and reports whether the position changed.
func (c *Cursor) Next() bool {
	if c.length <= 1 {
		return false
	}
	c.index = (c.index + 1) % c.length
	return true
}

// Prev moves backward and reports whether the position changed.
func (c *Cursor) Prev() bool {
	if c.length <= 1 {
		return false
	}
	c.index = (c.index - 1 + c.length) % c.length
	return true
}
