// Package layersync keeps local geospatial layers held by a host GIS
// application consistent with their remote counterparts on the MapHub
// service, across repeated edit/upload/download cycles, network
// failure, and divergent edits on both sides.
//
// The engine detects change by comparing each side against the last
// jointly observed baseline: a persisted pairing of local content
// fingerprint and remote revision. It never diffs local against remote
// content directly except to merge an already-detected divergence.
package layersync

import (
	"context"
	"time"

	"github.com/maphub/layersync/layer"
	"github.com/maphub/layersync/maphub"
)

// Status is the persisted sync status of a pair.
type Status string

const (
	StatusInSync      Status = "in-sync"
	StatusLocalAhead  Status = "local-ahead"
	StatusRemoteAhead Status = "remote-ahead"
	StatusDiverged    Status = "diverged"
	StatusError       Status = "error"
)

// Direction records which way the last successful sync moved data.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	DirectionMerge    Direction = "merge"
)

// SyncRecord is the only entity the engine persists: the durable 1:1
// pairing of a local layer and a remote map, with the baselines
// recorded at the last successful sync.
type SyncRecord struct {
	LocalLayerID string `json:"local_layer_id"`
	RemoteMapID  string `json:"remote_map_id"`

	// BaselineFingerprint is the local content fingerprint at the last
	// successful sync.
	BaselineFingerprint string `json:"baseline_fingerprint"`

	// BaselineRevision is the remote revision at the last successful
	// sync.
	BaselineRevision int64 `json:"baseline_revision"`

	LastDirection Direction `json:"last_direction,omitempty"`
	LastSyncedAt  time.Time `json:"last_synced_at,omitempty"`
	Status        Status    `json:"status"`

	// LastError holds the message of the failure that put the record
	// into StatusError, for auditing.
	LastError string `json:"last_error,omitempty"`
}

// Host is the narrow capability interface the engine requires from the
// hosting GIS application. The engine never assumes a particular
// concrete layer object graph; everything flows through these four
// capabilities.
type Host interface {
	// EnumerateLayers lists the layers currently loaded in the host.
	EnumerateLayers(ctx context.Context) ([]layer.Info, error)

	// ReadLayerContent reads the full content of a layer.
	ReadLayerContent(ctx context.Context, layerID string) (*layer.Content, error)

	// WriteLayerContent replaces a layer's content atomically: a
	// partially written layer must never be left as the visible state.
	WriteLayerContent(ctx context.Context, layerID string, content *layer.Content) error

	// NotifyOnLayerChanged registers a callback invoked when a layer's
	// content changes inside the host.
	NotifyOnLayerChanged(fn func(layerID string))
}

// RemoteClient is the subset of the MapHub API the engine drives. The
// concrete implementation is maphub.Client; tests substitute fakes.
type RemoteClient interface {
	Authenticate(ctx context.Context) (*maphub.Session, error)
	GetMap(ctx context.Context, mapID string) (*maphub.Map, error)
	DownloadContent(ctx context.Context, mapID string) ([]byte, error)
	CreateMap(ctx context.Context, folderID, name string, content []byte, visibility maphub.Visibility) (*maphub.Map, error)
	UpdateMap(ctx context.Context, mapID string, content []byte, expectedRevision int64) (*maphub.Map, error)
	ListMaps(ctx context.Context, folderID string) ([]maphub.Map, error)
	Close() error
}

// Store persists SyncRecords outside process memory so sync history
// survives application restarts.
type Store interface {
	// Get returns the record for a local layer id, or nil if the layer
	// is not paired.
	Get(ctx context.Context, localLayerID string) (*SyncRecord, error)

	// GetByMapID returns the record for a remote map id, or nil.
	GetByMapID(ctx context.Context, remoteMapID string) (*SyncRecord, error)

	// Upsert atomically creates or updates a record. Pairing a layer
	// or map that is already part of a different pair fails.
	Upsert(ctx context.Context, record *SyncRecord) error

	// Delete removes the record pairing the given local layer id.
	Delete(ctx context.Context, localLayerID string) error

	// List returns all records.
	List(ctx context.Context) ([]*SyncRecord, error)

	Close() error
}
