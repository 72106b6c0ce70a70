package devicemodule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	signageerrors "github.com/mantonx/signage/internal/errors"
	"github.com/mantonx/signage/internal/utils"
)

// DefaultGridSize applies to gridX and gridY when absent or non-positive.
const DefaultGridSize = 12

// Misconfigured servers answer with a login or error page and HTTP 200.
var htmlDocument = regexp.MustCompile(`(?i)^\s*(?:<!DOCTYPE html|<html)`)

// Parse turns a raw configuration document into a DeviceConfig with
// defaults applied. It fails with a MALFORMED_CONFIG error when the body is
// empty, is an HTML page, or is not a JSON object.
func Parse(raw []byte) (*DeviceConfig, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, signageerrors.NewMalformedConfigError("empty document", nil)
	}
	if htmlDocument.Match(raw) {
		return nil, signageerrors.NewMalformedConfigError("received an HTML page instead of JSON", nil)
	}
	if trimmed[0] != '{' {
		return nil, signageerrors.NewMalformedConfigError("document is not a JSON object", nil)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(trimmed, &cfg); err != nil {
		return nil, signageerrors.NewMalformedConfigError("invalid JSON", err)
	}

	cfg.applyDefaults()
	cfg.raw = append([]byte(nil), trimmed...)
	cfg.fingerprint = utils.FingerprintBytes(cfg.raw)
	return &cfg, nil
}

func (c *DeviceConfig) applyDefaults() {
	if c.Channel.GridX <= 0 {
		c.Channel.GridX = DefaultGridSize
	}
	if c.Channel.GridY <= 0 {
		c.Channel.GridY = DefaultGridSize
	}

	seen := make(map[string]bool, len(c.Channel.Regions))
	for i := range c.Channel.Regions {
		r := &c.Channel.Regions[i]
		if r.ID == "" || seen[r.ID] {
			r.ID = fmt.Sprintf("region-%d", i+1)
		}
		seen[r.ID] = true

		if r.Grid.X < 0 {
			r.Grid.X = 0
		}
		if r.Grid.Y < 0 {
			r.Grid.Y = 0
		}
		if r.Grid.W <= 0 {
			r.Grid.W = 1
		}
		if r.Grid.H <= 0 {
			r.Grid.H = 1
		}

		for j := range r.Playlist {
			it := &r.Playlist[j]
			it.Type = ItemType(strings.ToLower(strings.TrimSpace(string(it.Type))))
			it.URL = strings.TrimSpace(it.URL)
		}
	}
}

// Raw returns the normalized document bytes the config was parsed from.
func (c *DeviceConfig) Raw() []byte {
	return c.raw
}

// Fingerprint identifies the document content. Two fetches of an unchanged
// document share a fingerprint.
func (c *DeviceConfig) Fingerprint() string {
	return c.fingerprint
}

// DeviceName returns the configured display name.
func (c *DeviceConfig) DeviceName() string {
	return c.Settings.DeviceName
}

// BackgroundMusicURL picks the first music reference from settings, then channel.
func (c *DeviceConfig) BackgroundMusicURL() string {
	candidates := []string{c.Settings.BackgroundMusicURL}
	if c.Settings.BackgroundMusic != nil {
		candidates = append(candidates, c.Settings.BackgroundMusic.URL)
	}
	candidates = append(candidates, c.Channel.BackgroundMusicURL)
	if c.Channel.BackgroundMusic != nil {
		candidates = append(candidates, c.Channel.BackgroundMusic.URL)
	}
	for _, u := range candidates {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	return ""
}

// Region returns the region with the given id.
func (c *DeviceConfig) Region(id string) (Region, bool) {
	for _, r := range c.Channel.Regions {
		if r.ID == id {
			return r, true
		}
	}
	return Region{}, false
}
