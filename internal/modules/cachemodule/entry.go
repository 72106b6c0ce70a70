package cachemodule

import "time"

// EntryState is the resolution state of a cached URL.
type EntryState string

const (
	StateUnresolved EntryState = "unresolved"
	StateResolving  EntryState = "resolving"
	StateResolved   EntryState = "resolved"
	StateFailed     EntryState = "failed"
)

// CacheEntry maps a remote URL to its local file.
type CacheEntry struct {
	URL        string     `gorm:"primaryKey;size:2048" json:"url"`
	Name       string     `gorm:"index;not null" json:"name"`
	State      EntryState `gorm:"not null;default:'unresolved'" json:"state"`
	Path       string     `json:"path,omitempty"`
	MIMEType   string     `json:"mime_type,omitempty"`
	Size       int64      `json:"size"`
	Width      int        `json:"width,omitempty"`
	Height     int        `json:"height,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (CacheEntry) TableName() string {
	return "cache_entries"
}
