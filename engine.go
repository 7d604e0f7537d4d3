package layersync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maphub/layersync/diff"
	syncErrors "github.com/maphub/layersync/errors"
	"github.com/maphub/layersync/fingerprint"
	"github.com/maphub/layersync/layer"
	"github.com/maphub/layersync/logging"
	"github.com/maphub/layersync/maphub"
	"github.com/maphub/layersync/resolve"
)

// Engine is the process-scoped sync coordinator. It owns the API
// session and any active runs, with explicit initialization (on
// authentication) and teardown (Close), so multiple runs or test
// instances never share hidden mutable state.
type Engine struct {
	host   Host
	client RemoteClient
	store  Store

	opts     Options
	resolver resolve.Resolver
	worker   *transferWorker
	logger   *logging.Logger

	mu           sync.RWMutex
	session      *maphub.Session
	runs         map[string]context.CancelFunc
	dirty        map[string]struct{}
	autoSyncStop chan struct{}
	closed       bool
}

// New creates an Engine over the host, remote client, and state store.
// Options may be nil for defaults.
func New(host Host, client RemoteClient, store Store, opts *Options) (*Engine, error) {
	if host == nil {
		return nil, fmt.Errorf("host is required")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	var options Options
	if opts != nil {
		options = *opts
	}
	options.setDefaults()

	resolver := options.Resolver
	if resolver == nil {
		var err error
		resolver, err = resolve.NewPolicyResolver(options.Policy, resolve.WithAsker(options.Asker))
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		host:     host,
		client:   client,
		store:    store,
		opts:     options,
		resolver: resolver,
		logger:   options.Logger.WithComponent(logging.Component("engine")),
		runs:     make(map[string]context.CancelFunc),
		dirty:    make(map[string]struct{}),
	}
	e.worker = newTransferWorker(host, client, &e.opts, e.logger)

	host.NotifyOnLayerChanged(e.markDirty)

	return e, nil
}

// Authenticate verifies the API key and initializes the session. A run
// started without a valid session fails fast on its first remote call.
func (e *Engine) Authenticate(ctx context.Context) (*maphub.Session, error) {
	session, err := e.client.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.session = session
	e.mu.Unlock()

	e.logger.Info("authenticated with maphub",
		slog.String("workspace_id", session.WorkspaceID))
	return session, nil
}

// markDirty records a host-side layer change notification.
func (e *Engine) markDirty(layerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.dirty[layerID] = struct{}{}
}

// PendingChanges returns the layer ids the host reported changed since
// the last completed run.
func (e *Engine) PendingChanges() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.dirty))
	for id := range e.dirty {
		ids = append(ids, id)
	}
	return ids
}

// StartSync launches an asynchronous sync run over the given layers
// (all paired layers when nil) and returns its run id. Outcomes are
// delivered through the OnPairResult and OnRunComplete callbacks; the
// host's interactive thread is never blocked.
func (e *Engine) StartSync(layerIDs []string, policy resolve.Policy) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("engine is closed")
	}

	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	e.runs[runID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.runs, runID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(ctx, runID, layerIDs, policy)
	}()

	return runID, nil
}

// CancelSync cancels a running sync. Cancellation takes effect between
// pairs; an in-flight transfer finishes first so its baseline stays
// consistent with its last completed side effect.
func (e *Engine) CancelSync(runID string) error {
	e.mu.RLock()
	cancel, ok := e.runs[runID]
	e.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no active run %s", runID)
	}
	cancel()
	return nil
}

// Sync runs a synchronous sync over the given layers (all paired
// layers when nil) and returns the aggregate report.
func (e *Engine) Sync(ctx context.Context, layerIDs []string) (*RunReport, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("engine is closed")
	}
	e.mu.RUnlock()

	report := e.run(ctx, uuid.NewString(), layerIDs, "")
	return report, report.Err
}

// run drives one sync run through the worker pool.
func (e *Engine) run(ctx context.Context, runID string, layerIDs []string, policy resolve.Policy) *RunReport {
	report := &RunReport{
		RunID:     runID,
		StartTime: time.Now(),
	}
	defer func() {
		report.Duration = time.Since(report.StartTime)
		e.mu.Lock()
		for _, res := range report.Results {
			if res.State == PairCommitted {
				delete(e.dirty, res.LocalLayerID)
			}
		}
		e.mu.Unlock()
		if e.opts.OnRunComplete != nil {
			e.opts.OnRunComplete(report)
		}
	}()

	resolver := e.resolver
	if policy != "" {
		var err error
		resolver, err = resolve.NewPolicyResolver(policy, resolve.WithAsker(e.opts.Asker))
		if err != nil {
			report.Err = err
			return report
		}
	}

	targets, err := e.eligibleTargets(ctx, layerIDs, report)
	if err != nil {
		report.Err = err
		return report
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	var mu sync.Mutex
	for _, target := range targets {
		target := target
		g.Go(func() error {
			var res PairResult

			// Cancellation is honored between pairs; a pair already
			// dispatched runs on a detached context so its transfer
			// can finish and commit consistently.
			if gctx.Err() != nil {
				res = PairResult{
					LocalLayerID: target.ID,
					State:        PairSkipped,
					Reason:       "run cancelled",
				}
			} else {
				res = e.syncPair(context.WithoutCancel(gctx), target, resolver)
			}

			mu.Lock()
			report.add(res)
			mu.Unlock()

			if e.opts.OnPairResult != nil {
				e.opts.OnPairResult(res)
			}

			// Auth and store failures are fatal: cancel the remaining
			// run rather than failing every pair the same way.
			if res.Err != nil && syncErrors.IsFatal(res.Err) {
				return res.Err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		report.Err = err
		e.logger.LogError(ctx, err, "sync run aborted",
			slog.String("run_id", runID))
	}

	e.logger.Info("sync run finished",
		slog.String("run_id", runID),
		slog.Int("committed", report.Committed),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped))
	return report
}

// eligibleTargets resolves which layers this run covers. Explicit ids
// may include unpaired layers (they become new pairs); a full run
// covers exactly the paired layers. A paired layer missing from the
// host marks its record as errored, auditable rather than deleted.
func (e *Engine) eligibleTargets(ctx context.Context, layerIDs []string, report *RunReport) ([]layer.Info, error) {
	infos, err := e.host.EnumerateLayers(ctx)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpSync, "host", err)
	}
	byID := make(map[string]layer.Info, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}

	if len(layerIDs) > 0 {
		targets := make([]layer.Info, 0, len(layerIDs))
		for _, id := range layerIDs {
			info, ok := byID[id]
			if !ok {
				report.add(e.missingLayerResult(ctx, id))
				continue
			}
			targets = append(targets, info)
		}
		return targets, nil
	}

	records, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]layer.Info, 0, len(records))
	for _, rec := range records {
		info, ok := byID[rec.LocalLayerID]
		if !ok {
			report.add(e.missingLayerResult(ctx, rec.LocalLayerID))
			continue
		}
		targets = append(targets, info)
	}
	return targets, nil
}

// missingLayerResult handles a layer the host no longer has: its
// record, if any, is marked errored so the pairing history stays
// auditable.
func (e *Engine) missingLayerResult(ctx context.Context, layerID string) PairResult {
	res := PairResult{
		LocalLayerID: layerID,
		State:        PairFailed,
		ErrorKind:    syncErrors.KindNotFound,
		Err: syncErrors.NewNotFoundError(syncErrors.OpSync,
			fmt.Errorf("layer %s not present in host", layerID)),
	}

	rec, err := e.store.Get(ctx, layerID)
	if err != nil || rec == nil {
		return res
	}
	res.RemoteMapID = rec.RemoteMapID
	e.markRecordError(ctx, rec, res.Err)
	return res
}

// markRecordError flags a record as errored without touching its
// baselines.
func (e *Engine) markRecordError(ctx context.Context, rec *SyncRecord, cause error) {
	rec.Status = StatusError
	rec.LastError = cause.Error()
	if err := e.store.Upsert(ctx, rec); err != nil {
		e.logger.LogError(ctx, err, "failed to mark record errored",
			slog.String("layer_id", rec.LocalLayerID))
	}
}

// syncPair drives one pair through classify, resolve, transfer, and
// commit. Every pair ends in exactly one terminal state.
func (e *Engine) syncPair(ctx context.Context, info layer.Info, resolver resolve.Resolver) PairResult {
	p := &pairContext{info: info, started: time.Now()}
	res := PairResult{LocalLayerID: info.ID, State: PairPending}
	defer func() { res.Duration = time.Since(p.started) }()

	fail := func(err error) PairResult {
		res.State = PairFailed
		res.ErrorKind = syncErrors.KindOf(err)
		res.Err = err
		e.logger.LogError(ctx, err, "pair failed",
			slog.String("layer_id", info.ID),
			slog.String("map_id", res.RemoteMapID))
		return res
	}

	// Read the local side.
	content, err := e.host.ReadLayerContent(ctx, info.ID)
	if err != nil {
		return fail(syncErrors.NewWithComponent(syncErrors.OpSync, "host", err))
	}
	p.local = content
	p.localFP = fingerprint.Fingerprint(content)

	// Load the baseline.
	rec, err := e.store.Get(ctx, info.ID)
	if err != nil {
		return fail(err)
	}
	p.record = rec
	if rec != nil {
		res.RemoteMapID = rec.RemoteMapID
	}

	// Observe the remote side.
	if rec != nil {
		err = e.worker.withRetry(ctx, syncErrors.OpTransport, func() error {
			var callErr error
			p.remote, callErr = e.client.GetMap(ctx, rec.RemoteMapID)
			return callErr
		})
		if err != nil {
			if syncErrors.IsKind(err, syncErrors.KindNotFound) {
				e.markRecordError(ctx, rec, err)
			}
			return fail(err)
		}
	}

	var remoteRevision int64
	if p.remote != nil {
		remoteRevision = p.remote.Revision
	}
	p.classification = diff.Classify(p.localFP, p.baseline(), remoteRevision)
	res.Classification = p.classification
	res.State = PairClassified

	if p.classification == diff.InSync {
		// No transfer, no record mutation: running twice in a row
		// leaves identical state.
		res.State = PairCommitted
		return res
	}

	decision, err := e.resolvePair(ctx, p, resolver)
	if err != nil {
		if syncErrors.IsKind(err, syncErrors.KindSchemaIncompatible) {
			res.State = PairSkipped
			res.ErrorKind = syncErrors.KindOf(err)
			res.Err = err
			res.Reason = "schemas cannot be reconciled"
			return res
		}
		return fail(err)
	}
	res.State = PairResolved

	if decision.Action == resolve.ActionAbort {
		return e.abortPair(ctx, p, res, decision.Reason)
	}

	res.State = PairTransferring
	result, err := e.worker.execute(ctx, p, decision)
	if err != nil && p.record != nil && syncErrors.IsKind(err, syncErrors.KindRevisionConflict) {
		// The remote moved between classification and transfer. One
		// bounded re-classification; a second conflict surfaces. A
		// conflict answering a create has no baseline to re-observe and
		// fails the pair directly.
		result, err = e.retryAfterRevisionConflict(ctx, p, resolver, &res)
	}
	if err != nil {
		return fail(err)
	}
	if result == nil {
		res.State = PairCommitted
		return res
	}

	// Commit the post-transfer baseline. The store update happens only
	// after the remote confirmed the write; a crash in between leaves
	// at worst a harmless false divergence.
	now := time.Now().UTC()
	newRecord := &SyncRecord{
		LocalLayerID:        info.ID,
		RemoteMapID:         result.mapID,
		BaselineFingerprint: result.fingerprint,
		BaselineRevision:    result.revision,
		LastDirection:       result.direction,
		LastSyncedAt:        now,
		Status:              StatusInSync,
	}
	if err := e.store.Upsert(ctx, newRecord); err != nil {
		return fail(err)
	}

	res.RemoteMapID = result.mapID
	res.Direction = result.direction
	res.State = PairCommitted
	return res
}

// resolvePair builds the conflict context and consults the resolver.
// Remote content is fetched only when a divergence actually needs it.
func (e *Engine) resolvePair(ctx context.Context, p *pairContext, resolver resolve.Resolver) (resolve.Decision, error) {
	conflict := resolve.Conflict{
		LayerID:        p.info.ID,
		Classification: p.classification,
		Local:          p.local,
	}
	if p.record != nil {
		conflict.MapID = p.record.RemoteMapID
	}

	if p.classification == diff.Diverged {
		var payload []byte
		err := e.worker.withRetry(ctx, syncErrors.OpDownload, func() error {
			var callErr error
			payload, callErr = e.client.DownloadContent(ctx, p.record.RemoteMapID)
			return callErr
		})
		if err != nil {
			return resolve.Decision{}, err
		}
		remote, err := layer.Decode(payload)
		if err != nil {
			return resolve.Decision{}, syncErrors.NewWithComponent(syncErrors.OpResolve, "engine", err)
		}
		conflict.Remote = remote
		conflict.Changes = diff.Changes(remote, p.local)
	}

	return resolver.Resolve(ctx, conflict)
}

// abortPair leaves a diverged pair out of the run: status recorded as
// diverged, baselines untouched.
func (e *Engine) abortPair(ctx context.Context, p *pairContext, res PairResult, reason string) PairResult {
	if p.record != nil && p.classification == diff.Diverged {
		rec := *p.record
		rec.Status = StatusDiverged
		if err := e.store.Upsert(ctx, &rec); err != nil {
			res.State = PairFailed
			res.ErrorKind = syncErrors.KindOf(err)
			res.Err = err
			return res
		}
	}
	res.State = PairSkipped
	res.Reason = reason
	return res
}

// retryAfterRevisionConflict re-observes the remote, reclassifies the
// pair as diverged, re-resolves, and executes once more.
func (e *Engine) retryAfterRevisionConflict(ctx context.Context, p *pairContext, resolver resolve.Resolver, res *PairResult) (*transferResult, error) {
	e.logger.Warn("revision conflict during transfer, reclassifying",
		slog.String("layer_id", p.info.ID),
		slog.String("map_id", p.record.RemoteMapID))

	err := e.worker.withRetry(ctx, syncErrors.OpTransport, func() error {
		var callErr error
		p.remote, callErr = e.client.GetMap(ctx, p.record.RemoteMapID)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	p.classification = diff.Diverged
	res.Classification = diff.Diverged

	decision, err := e.resolvePair(ctx, p, resolver)
	if err != nil {
		return nil, err
	}
	if decision.Action == resolve.ActionAbort {
		// Treated as a conflict the run cannot settle.
		return nil, syncErrors.NewRevisionConflictError(syncErrors.OpUpload,
			fmt.Errorf("remote moved during transfer and the divergence was not resolved"))
	}

	// The re-resolved upload is conditional on the freshly observed
	// revision; the baseline revision is stale by definition here.
	return e.worker.execute(ctx, p, decision)
}

// GetSyncStatus returns the record for a pair id, which may be either
// the local layer id or the remote map id.
func (e *Engine) GetSyncStatus(ctx context.Context, pairID string) (*SyncRecord, error) {
	rec, err := e.store.Get(ctx, pairID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec, err = e.store.GetByMapID(ctx, pairID)
		if err != nil {
			return nil, err
		}
	}
	if rec == nil {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpLoad,
			fmt.Errorf("no sync record for %s", pairID))
	}
	return rec, nil
}

// Unlink removes the pairing for a layer. The layer and its remote map
// both survive; only the sync relationship is forgotten.
func (e *Engine) Unlink(ctx context.Context, layerID string) error {
	return e.store.Delete(ctx, layerID)
}

// LinkUpload pairs a local layer with a brand new remote map created
// from its current content.
func (e *Engine) LinkUpload(ctx context.Context, layerID, folderID, name string, visibility maphub.Visibility) (*SyncRecord, error) {
	existing, err := e.store.Get(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpUpload,
			fmt.Errorf("layer %s is already paired with map %s", layerID, existing.RemoteMapID))
	}

	content, err := e.host.ReadLayerContent(ctx, layerID)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpUpload, "host", err)
	}
	payload, err := layer.Encode(content)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpUpload, "engine", err)
	}

	var created *maphub.Map
	err = e.worker.withRetry(ctx, syncErrors.OpUpload, func() error {
		var callErr error
		created, callErr = e.client.CreateMap(ctx, folderID, name, payload, visibility)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	rec := &SyncRecord{
		LocalLayerID:        layerID,
		RemoteMapID:         created.ID,
		BaselineFingerprint: fingerprint.Fingerprint(content),
		BaselineRevision:    created.Revision,
		LastDirection:       DirectionUpload,
		LastSyncedAt:        time.Now().UTC(),
		Status:              StatusInSync,
	}
	if err := e.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// LinkDownload pairs an existing remote map with a local layer by
// downloading its content into the layer.
func (e *Engine) LinkDownload(ctx context.Context, mapID, layerID string) (*SyncRecord, error) {
	existing, err := e.store.GetByMapID(ctx, mapID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpDownload,
			fmt.Errorf("map %s is already paired with layer %s", mapID, existing.LocalLayerID))
	}

	var m *maphub.Map
	err = e.worker.withRetry(ctx, syncErrors.OpTransport, func() error {
		var callErr error
		m, callErr = e.client.GetMap(ctx, mapID)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	result, err := e.worker.download(ctx, layerID, mapID, m.Revision)
	if err != nil {
		return nil, err
	}

	rec := &SyncRecord{
		LocalLayerID:        layerID,
		RemoteMapID:         mapID,
		BaselineFingerprint: result.fingerprint,
		BaselineRevision:    result.revision,
		LastDirection:       DirectionDownload,
		LastSyncedAt:        time.Now().UTC(),
		Status:              StatusInSync,
	}
	if err := e.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// StartAutoSync begins scheduled runs at the configured interval.
func (e *Engine) StartAutoSync() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if e.opts.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if e.autoSyncStop != nil {
		return fmt.Errorf("auto sync is already running")
	}

	stop := make(chan struct{})
	e.autoSyncStop = stop

	go func() {
		ticker := time.NewTicker(e.opts.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), e.opts.RunTimeout)
				e.run(ctx, uuid.NewString(), nil, "")
				cancel()
			}
		}
	}()

	return nil
}

// StopAutoSync stops scheduled runs.
func (e *Engine) StopAutoSync() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.autoSyncStop == nil {
		return fmt.Errorf("auto sync is not running")
	}

	close(e.autoSyncStop)
	e.autoSyncStop = nil
	return nil
}

// Close tears the engine down: scheduled runs stop, active runs are
// cancelled, and the client and store are released.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true

	if e.autoSyncStop != nil {
		close(e.autoSyncStop)
		e.autoSyncStop = nil
	}
	for _, cancel := range e.runs {
		cancel()
	}
	e.session = nil
	e.mu.Unlock()

	var errs []error
	if err := e.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close client: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
