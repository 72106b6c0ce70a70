package devicemodule

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// DeviceConfig is the typed view of a device configuration document.
// It is treated as immutable once parsed.
type DeviceConfig struct {
	Settings Settings `json:"settings"`
	Channel  Channel  `json:"channel"`

	raw         []byte
	fingerprint string
}

// Settings are the device-wide playback defaults.
type Settings struct {
	ImageDuration      Millis      `json:"imageDuration,omitempty"`
	VideoDuration      Millis      `json:"videoDuration,omitempty"`
	WebDuration        Millis      `json:"webDuration,omitempty"`
	Sound              SoundPolicy `json:"sound,omitempty"`
	Stretching         FlexBool    `json:"stretching,omitempty"`
	DeviceName         string      `json:"device_name,omitempty"`
	BackgroundMusicURL string      `json:"backgroundMusicUrl,omitempty"`
	BackgroundMusic    *MediaRef   `json:"backgroundMusic,omitempty"`
}

// Channel is the layout: a grid of regions plus tickers.
type Channel struct {
	GridX              int       `json:"gridX"`
	GridY              int       `json:"gridY"`
	Regions            []Region  `json:"regions"`
	Tickers            []Ticker  `json:"tickers,omitempty"`
	BackgroundMusicURL string    `json:"backgroundMusicUrl,omitempty"`
	BackgroundMusic    *MediaRef `json:"backgroundMusic,omitempty"`
}

// MediaRef is a nested {"url": ...} reference.
type MediaRef struct {
	URL string `json:"url"`
}

// Grid is a cell span in grid units.
type Grid struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Region is one independent playback zone.
type Region struct {
	ID         string      `json:"id,omitempty"`
	Grid       Grid        `json:"data_grid"`
	Playlist   []Item      `json:"playlist"`
	Sound      SoundPolicy `json:"sound,omitempty"`
	Angle      float64     `json:"angle,omitempty"`
	Transition string      `json:"transition,omitempty"`
}

// UnmarshalJSON drops null playlist entries.
func (r *Region) UnmarshalJSON(data []byte) error {
	type regionAlias Region
	var aux struct {
		regionAlias
		Playlist []*Item `json:"playlist"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Region(aux.regionAlias)
	r.Playlist = make([]Item, 0, len(aux.Playlist))
	for _, it := range aux.Playlist {
		if it != nil {
			r.Playlist = append(r.Playlist, *it)
		}
	}
	return nil
}

// ItemType tags the playlist item variant.
type ItemType string

const (
	ItemImage ItemType = "image"
	ItemVideo ItemType = "video"
	ItemHLS   ItemType = "hls"
	ItemWeb   ItemType = "web"
	ItemURL   ItemType = "url"
	ItemHTML  ItemType = "html"
)

// Item is one playlist entry.
type Item struct {
	Type     ItemType    `json:"type"`
	URL      string      `json:"url,omitempty"`
	HTML     string      `json:"html,omitempty"`
	Duration Millis      `json:"duration,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	Poster   string      `json:"poster,omitempty"`
	Sound    SoundPolicy `json:"sound,omitempty"`
}

// UsesVideoElement reports whether the item plays in a video element.
func (i Item) UsesVideoElement() bool {
	return i.Type == ItemVideo || i.Type == ItemHLS
}

// IsWebContent reports whether the item is a page or inline markup.
func (i Item) IsWebContent() bool {
	return i.Type == ItemWeb || i.Type == ItemURL || i.Type == ItemHTML
}

// Ticker is one scrolling text entry.
type Ticker struct {
	Text       string          `json:"text"`
	Speed      float64         `json:"speed,omitempty"`
	FontSize   json.RawMessage `json:"fontsize,omitempty"`
	Color      string          `json:"color,omitempty"`
	Background string          `json:"background,omitempty"`
}

// SoundPolicy is "mute" or "unmute"; anything else counts as mute.
type SoundPolicy string

const (
	SoundMute   SoundPolicy = "mute"
	SoundUnmute SoundPolicy = "unmute"
)

// Unmute reports whether the policy asks for audible playback.
func (s SoundPolicy) Unmute() bool {
	return strings.EqualFold(strings.TrimSpace(string(s)), string(SoundUnmute))
}

// Millis is a duration in milliseconds. It accepts JSON numbers and numeric
// strings; anything else decodes as zero, meaning "not set".
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		*m = 0
		return nil
	}
	*m = Millis(f)
	return nil
}

// Duration converts to time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// IsSet reports whether a positive value was given.
func (m Millis) IsSet() bool {
	return m > 0
}

// FlexBool decodes JSON truthiness: true, non-zero numbers and non-empty
// strings other than "false"/"0".
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch {
	case s == "true":
		*b = true
	case s == "false", s == "null", s == `""`:
		*b = false
	case strings.HasPrefix(s, `"`):
		v := strings.ToLower(strings.Trim(s, `"`))
		*b = FlexBool(v != "false" && v != "0")
	default:
		f, err := strconv.ParseFloat(s, 64)
		*b = FlexBool(err == nil && f != 0)
	}
	return nil
}
