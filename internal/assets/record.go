// Package assets tracks generated media assets with TTL expiry.
//
// Identity is the (filename, subfolder, folder type) triple rather
// than the URL, so records survive hostname or port changes on the
// generation backend.
package assets

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Record describes one generated asset.
type Record struct {
	AssetID    string `json:"asset_id"`
	Filename   string `json:"filename"`
	Subfolder  string `json:"subfolder"`
	FolderType string `json:"folder_type"`

	// PromptID links back to the backend's execution history.
	PromptID   string `json:"prompt_id"`
	WorkflowID string `json:"workflow_id"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	MimeType  string `json:"mime_type"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	BytesSize int64  `json:"bytes_size,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// identityKey is the stable lookup key for deduplication.
func identityKey(filename, subfolder, folderType string) string {
	return folderType + ":" + subfolder + ":" + filename
}

// Key returns the record's stable identity key.
func (r *Record) Key() string {
	return identityKey(r.Filename, r.Subfolder, r.FolderType)
}

// Expired reports whether the record's TTL has elapsed at now. A zero
// ExpiresAt means the record never expires.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// URL builds the view URL for the asset against a backend base URL,
// escaping filename and subfolder.
func (r *Record) URL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return ""
	}
	if r.Subfolder != "" {
		return fmt.Sprintf("%s/view?filename=%s&subfolder=%s&type=%s",
			base, url.QueryEscape(r.Filename), url.QueryEscape(r.Subfolder), url.QueryEscape(r.FolderType))
	}
	return fmt.Sprintf("%s/view?filename=%s&type=%s",
		base, url.QueryEscape(r.Filename), url.QueryEscape(r.FolderType))
}
