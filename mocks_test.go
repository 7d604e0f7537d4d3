package layersync

import (
	"context"
	"fmt"
	"sync"

	syncErrors "github.com/maphub/layersync/errors"
	"github.com/maphub/layersync/layer"
	"github.com/maphub/layersync/maphub"
)

// fakeHost is an in-memory Host for tests.
type fakeHost struct {
	mu       sync.Mutex
	layers   map[string]*layer.Content
	infos    map[string]layer.Info
	onChange func(layerID string)

	readErr    map[string]error
	writeErr   map[string]error
	writeCalls int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		layers:   make(map[string]*layer.Content),
		infos:    make(map[string]layer.Info),
		readErr:  make(map[string]error),
		writeErr: make(map[string]error),
	}
}

func (h *fakeHost) addLayer(id, name string, content *layer.Content) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.layers[id] = content
	h.infos[id] = layer.Info{ID: id, Name: name, GeometryType: content.GeomType, CRS: content.CRS}
}

func (h *fakeHost) setContent(id string, content *layer.Content) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.layers[id] = content
}

func (h *fakeHost) content(id string) *layer.Content {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.layers[id]
}

func (h *fakeHost) EnumerateLayers(ctx context.Context) ([]layer.Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]layer.Info, 0, len(h.infos))
	for _, info := range h.infos {
		infos = append(infos, info)
	}
	return infos, nil
}

func (h *fakeHost) ReadLayerContent(ctx context.Context, layerID string) (*layer.Content, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readErr[layerID]; err != nil {
		return nil, err
	}
	content, ok := h.layers[layerID]
	if !ok {
		return nil, fmt.Errorf("layer %s not loaded", layerID)
	}
	return content.Clone(), nil
}

func (h *fakeHost) WriteLayerContent(ctx context.Context, layerID string, content *layer.Content) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.writeErr[layerID]; err != nil {
		return err
	}
	h.writeCalls++
	h.layers[layerID] = content.Clone()
	return nil
}

func (h *fakeHost) NotifyOnLayerChanged(fn func(layerID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

func (h *fakeHost) triggerChange(layerID string) {
	h.mu.Lock()
	fn := h.onChange
	h.mu.Unlock()
	if fn != nil {
		fn(layerID)
	}
}

// fakeRemote is an in-memory RemoteClient with per-map revisions and
// optimistic concurrency semantics matching the real service.
type fakeRemote struct {
	mu     sync.Mutex
	maps   map[string]*remoteMap
	nextID int

	getErr       map[string]error
	getFailures  map[string]int // transient failures remaining per map
	createErr    error
	beforeUpdate func(mapID string)

	updateCalls   int
	downloadCalls int
	createCalls   int
}

type remoteMap struct {
	m       maphub.Map
	content []byte
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		maps:        make(map[string]*remoteMap),
		getErr:      make(map[string]error),
		getFailures: make(map[string]int),
	}
}

func (c *fakeRemote) addMap(id string, revision int64, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maps[id] = &remoteMap{
		m:       maphub.Map{ID: id, Revision: revision},
		content: content,
	}
}

func (c *fakeRemote) revision(id string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maps[id].m.Revision
}

// bump simulates another client writing the same map.
func (c *fakeRemote) bump(id string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rm := c.maps[id]
	rm.m.Revision++
	if content != nil {
		rm.content = content
	}
}

func (c *fakeRemote) Authenticate(ctx context.Context) (*maphub.Session, error) {
	return &maphub.Session{WorkspaceID: "ws-test", UserID: "u-test"}, nil
}

func (c *fakeRemote) GetMap(ctx context.Context, mapID string) (*maphub.Map, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.getFailures[mapID]; n > 0 {
		c.getFailures[mapID] = n - 1
		return nil, syncErrors.NewNetworkError(syncErrors.OpTransport,
			fmt.Errorf("simulated transient failure"))
	}
	if err := c.getErr[mapID]; err != nil {
		return nil, err
	}
	rm, ok := c.maps[mapID]
	if !ok {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpTransport,
			fmt.Errorf("map %s not found", mapID))
	}
	m := rm.m
	return &m, nil
}

func (c *fakeRemote) DownloadContent(ctx context.Context, mapID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloadCalls++
	rm, ok := c.maps[mapID]
	if !ok {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpDownload,
			fmt.Errorf("map %s not found", mapID))
	}
	return rm.content, nil
}

func (c *fakeRemote) CreateMap(ctx context.Context, folderID, name string, content []byte, visibility maphub.Visibility) (*maphub.Map, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createCalls++
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.nextID++
	id := fmt.Sprintf("map-new-%d", c.nextID)
	c.maps[id] = &remoteMap{
		m:       maphub.Map{ID: id, FolderID: folderID, Name: name, Revision: 1, Visibility: visibility},
		content: content,
	}
	m := c.maps[id].m
	return &m, nil
}

func (c *fakeRemote) UpdateMap(ctx context.Context, mapID string, content []byte, expectedRevision int64) (*maphub.Map, error) {
	if c.beforeUpdate != nil {
		c.beforeUpdate(mapID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCalls++
	rm, ok := c.maps[mapID]
	if !ok {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpUpload,
			fmt.Errorf("map %s not found", mapID))
	}
	if rm.m.Revision != expectedRevision {
		return nil, syncErrors.NewRevisionConflictError(syncErrors.OpUpload,
			fmt.Errorf("expected revision %d, server at %d", expectedRevision, rm.m.Revision))
	}
	rm.m.Revision++
	rm.content = content
	m := rm.m
	return &m, nil
}

func (c *fakeRemote) ListMaps(ctx context.Context, folderID string) ([]maphub.Map, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var maps []maphub.Map
	for _, rm := range c.maps {
		if rm.m.FolderID == folderID {
			maps = append(maps, rm.m)
		}
	}
	return maps, nil
}

func (c *fakeRemote) Close() error { return nil }

// memStore is an in-memory Store for tests.
type memStore struct {
	mu      sync.Mutex
	byLayer map[string]*SyncRecord
	byMap   map[string]string // map id -> layer id

	upserts int
}

func newMemStore() *memStore {
	return &memStore{
		byLayer: make(map[string]*SyncRecord),
		byMap:   make(map[string]string),
	}
}

func (s *memStore) Get(ctx context.Context, localLayerID string) (*SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byLayer[localLayerID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (s *memStore) GetByMapID(ctx context.Context, remoteMapID string) (*SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	layerID, ok := s.byMap[remoteMapID]
	if !ok {
		return nil, nil
	}
	copied := *s.byLayer[layerID]
	return &copied, nil
}

func (s *memStore) Upsert(ctx context.Context, record *SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if layerID, ok := s.byMap[record.RemoteMapID]; ok && layerID != record.LocalLayerID {
		return syncErrors.NewValidationError(syncErrors.OpStore,
			fmt.Errorf("map %s is already paired with layer %s", record.RemoteMapID, layerID))
	}
	if existing, ok := s.byLayer[record.LocalLayerID]; ok && existing.RemoteMapID != record.RemoteMapID {
		return syncErrors.NewValidationError(syncErrors.OpStore,
			fmt.Errorf("layer %s is already paired with map %s", record.LocalLayerID, existing.RemoteMapID))
	}

	s.upserts++
	copied := *record
	s.byLayer[record.LocalLayerID] = &copied
	s.byMap[record.RemoteMapID] = record.LocalLayerID
	return nil
}

func (s *memStore) Delete(ctx context.Context, localLayerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byLayer[localLayerID]; ok {
		delete(s.byMap, rec.RemoteMapID)
		delete(s.byLayer, localLayerID)
	}
	return nil
}

func (s *memStore) List(ctx context.Context) ([]*SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*SyncRecord, 0, len(s.byLayer))
	for _, rec := range s.byLayer {
		copied := *rec
		records = append(records, &copied)
	}
	return records, nil
}

func (s *memStore) Close() error { return nil }
