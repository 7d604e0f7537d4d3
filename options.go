package layersync

import (
	"time"

	"github.com/maphub/layersync/logging"
	"github.com/maphub/layersync/maphub"
	"github.com/maphub/layersync/resolve"
)

// Options configures the sync engine.
type Options struct {
	// Policy is the divergence policy applied when both sides changed
	// since the baseline. Defaults to resolve.Ask, which is a safe
	// no-op in non-interactive contexts.
	Policy resolve.Policy

	// Asker is the interactive escalation point for divergences the
	// policy cannot settle. Optional.
	Asker resolve.Asker

	// Resolver overrides the policy-built resolver entirely, e.g. with
	// a resolve.RuleResolver pinning per-layer policies. Optional.
	Resolver resolve.Resolver

	// Concurrency bounds the worker pool. Pairs sync concurrently;
	// each pair's own steps are strictly sequential. Default 4.
	Concurrency int

	// DefaultFolderID is the MapHub folder new maps are created in.
	DefaultFolderID string

	// DefaultVisibility for newly created maps. Default private.
	DefaultVisibility maphub.Visibility

	// MaxRetries bounds retry of transient network failures per call
	// (attempts = MaxRetries + 1). Default 2.
	MaxRetries uint64

	// RetryInitialInterval and RetryMaxInterval shape the exponential
	// backoff between retries. Defaults 500ms and 10s.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// SyncInterval enables scheduled runs when positive. There is no
	// always-on daemon; zero means runs are user-triggered only.
	SyncInterval time.Duration

	// RunTimeout bounds a scheduled run. Default 5m.
	RunTimeout time.Duration

	// OnPairResult is invoked as each pair reaches a terminal state.
	OnPairResult func(PairResult)

	// OnRunComplete is invoked once per run with the aggregate report.
	OnRunComplete func(*RunReport)

	// Logger defaults to the process-wide logger.
	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.Policy == "" {
		o.Policy = resolve.Ask
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.DefaultVisibility == "" {
		o.DefaultVisibility = maphub.VisibilityPrivate
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 500 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 10 * time.Second
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}
