package maphub

import (
	"time"

	"github.com/goccy/go-json"
)

// Visibility controls who can see a map on MapHub.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Map is the server-side resource corresponding to a local layer.
type Map struct {
	ID       string `json:"id"`
	FolderID string `json:"folder_id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // "vector" or "raster"

	Visibility Visibility `json:"visibility"`

	// Revision is the server-maintained monotonic counter used for
	// optimistic concurrency control. It is returned on every read and
	// required on every conditional write.
	Revision int64 `json:"revision"`

	// Fingerprint is the content fingerprint as last reported by the
	// server.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Visuals carries the style document and layer ordering metadata.
	Visuals json.RawMessage `json:"visuals,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Session describes an authenticated API session.
type Session struct {
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Plan        string    `json:"plan,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// createMapRequest is the wire form of a map creation.
type createMapRequest struct {
	FolderID   string          `json:"folder_id"`
	Name       string          `json:"name"`
	Visibility Visibility      `json:"visibility"`
	Content    json.RawMessage `json:"content"`
}

// updateMapRequest is the wire form of a conditional map update.
type updateMapRequest struct {
	Content          json.RawMessage `json:"content"`
	ExpectedRevision int64           `json:"expected_revision"`
}

// listMapsResponse is the wire form of a folder listing.
type listMapsResponse struct {
	Maps []Map `json:"maps"`
}

// apiError is the error body MapHub returns on non-2xx responses.
type apiError struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
