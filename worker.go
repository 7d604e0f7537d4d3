package layersync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/maphub/layersync/diff"
	syncErrors "github.com/maphub/layersync/errors"
	"github.com/maphub/layersync/fingerprint"
	"github.com/maphub/layersync/layer"
	"github.com/maphub/layersync/logging"
	"github.com/maphub/layersync/maphub"
	"github.com/maphub/layersync/resolve"
)

// transferWorker executes resolved actions against the remote client
// and the host's layer-write capability. Network calls are retried
// with bounded exponential backoff; exhaustion surfaces a per-pair
// error without aborting the overall run.
type transferWorker struct {
	host   Host
	client RemoteClient
	opts   *Options
	logger *logging.Logger
}

// transferResult carries the state observed after a transfer
// completed. Baselines are always taken from these post-transfer
// observations, never from the values used to decide the action, so a
// concurrent remote change mid-transfer is still seen as ahead on the
// next run.
type transferResult struct {
	direction   Direction
	mapID       string
	fingerprint string
	revision    int64
}

func newTransferWorker(host Host, client RemoteClient, opts *Options, logger *logging.Logger) *transferWorker {
	return &transferWorker{host: host, client: client, opts: opts, logger: logger}
}

// withRetry runs fn with bounded exponential backoff. Only errors
// marked retryable (transient network failures) are retried; semantic
// errors return immediately.
func (w *transferWorker) withRetry(ctx context.Context, op syncErrors.Operation, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.opts.RetryInitialInterval
	exp.MaxInterval = w.opts.RetryMaxInterval

	bo := backoff.WithContext(backoff.WithMaxRetries(exp, w.opts.MaxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !syncErrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		w.logger.Warn("retryable failure",
			slog.String("operation", string(op)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return err
	}, bo)
}

// create uploads a brand new layer as a new remote map.
func (w *transferWorker) create(ctx context.Context, info layer.Info, content *layer.Content) (*transferResult, error) {
	if w.opts.DefaultFolderID == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpUpload,
			fmt.Errorf("no default folder configured for new layer %s", info.ID))
	}

	payload, err := layer.Encode(content)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpUpload, "worker", err)
	}

	var created *maphub.Map
	err = w.withRetry(ctx, syncErrors.OpUpload, func() error {
		var callErr error
		created, callErr = w.client.CreateMap(ctx, w.opts.DefaultFolderID, info.Name, payload, w.opts.DefaultVisibility)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	return &transferResult{
		direction:   DirectionUpload,
		mapID:       created.ID,
		fingerprint: fingerprint.Fingerprint(content),
		revision:    created.Revision,
	}, nil
}

// upload replaces the remote content, conditional on the baseline
// revision. A revision conflict is returned untouched for the caller
// to re-classify.
func (w *transferWorker) upload(ctx context.Context, mapID string, content *layer.Content, expectedRevision int64, direction Direction) (*transferResult, error) {
	payload, err := layer.Encode(content)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpUpload, "worker", err)
	}

	var updated *maphub.Map
	err = w.withRetry(ctx, syncErrors.OpUpload, func() error {
		var callErr error
		updated, callErr = w.client.UpdateMap(ctx, mapID, payload, expectedRevision)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	return &transferResult{
		direction:   direction,
		mapID:       mapID,
		fingerprint: fingerprint.Fingerprint(content),
		revision:    updated.Revision,
	}, nil
}

// download fetches the remote content and writes it into the local
// layer through the host's atomic write capability.
func (w *transferWorker) download(ctx context.Context, layerID, mapID string, observedRevision int64) (*transferResult, error) {
	var payload []byte
	err := w.withRetry(ctx, syncErrors.OpDownload, func() error {
		var callErr error
		payload, callErr = w.client.DownloadContent(ctx, mapID)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	content, err := layer.Decode(payload)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpDownload, "worker", err)
	}

	// The host write is all-or-nothing: a partially written layer must
	// not be left as the visible state.
	if err := w.host.WriteLayerContent(ctx, layerID, content); err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpDownload, "host", err)
	}

	return &transferResult{
		direction:   DirectionDownload,
		mapID:       mapID,
		fingerprint: fingerprint.Fingerprint(content),
		revision:    observedRevision,
	}, nil
}

// mergeUpload writes the merged content both ways: up to the remote
// (conditional on the baseline revision) and into the local layer, so
// both sides converge on the merge result.
func (w *transferWorker) mergeUpload(ctx context.Context, layerID, mapID string, merged *layer.Content, expectedRevision int64) (*transferResult, error) {
	res, err := w.upload(ctx, mapID, merged, expectedRevision, DirectionMerge)
	if err != nil {
		return nil, err
	}

	if err := w.host.WriteLayerContent(ctx, layerID, merged); err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpDownload, "host", err)
	}

	return res, nil
}

// execute runs one resolved decision. On a revision conflict during
// upload the remote moved between classification and transfer; the
// caller re-classifies and re-resolves once before surfacing an error.
func (w *transferWorker) execute(ctx context.Context, p *pairContext, decision resolve.Decision) (*transferResult, error) {
	switch decision.Action {
	case resolve.ActionNone, resolve.ActionAbort:
		return nil, nil

	case resolve.ActionUpload:
		if p.record == nil {
			return w.create(ctx, p.info, p.local)
		}
		return w.upload(ctx, p.record.RemoteMapID, p.local, p.expectedRevision(), DirectionUpload)

	case resolve.ActionDownload:
		return w.download(ctx, p.info.ID, p.record.RemoteMapID, p.remote.Revision)

	case resolve.ActionMergeUpload:
		if decision.Merged == nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpUpload,
				fmt.Errorf("merge action carries no merged content"))
		}
		return w.mergeUpload(ctx, p.info.ID, p.record.RemoteMapID, decision.Merged, p.expectedRevision())

	default:
		return nil, syncErrors.NewValidationError(syncErrors.OpSync,
			fmt.Errorf("unknown action %q", decision.Action))
	}
}

// pairContext is the working state of one pair as it moves through the
// run's state machine.
type pairContext struct {
	info    layer.Info
	local   *layer.Content
	localFP string

	record *SyncRecord
	remote *maphub.Map

	classification diff.Classification
	started        time.Time
}

// expectedRevision is the revision an upload must be conditional on:
// the revision last observed from the remote, falling back to the
// baseline when the remote was never fetched this run.
func (p *pairContext) expectedRevision() int64 {
	if p.remote != nil {
		return p.remote.Revision
	}
	if p.record != nil {
		return p.record.BaselineRevision
	}
	return 0
}

func (p *pairContext) baseline() *diff.Baseline {
	if p.record == nil {
		return nil
	}
	return &diff.Baseline{
		LocalFingerprint: p.record.BaselineFingerprint,
		RemoteRevision:   p.record.BaselineRevision,
	}
}
