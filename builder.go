package layersync

import (
	"fmt"
	"time"

	"github.com/maphub/layersync/maphub"
	"github.com/maphub/layersync/resolve"
)

// EngineBuilder provides a fluent interface for constructing Engine
// instances.
type EngineBuilder struct {
	host   Host
	client RemoteClient
	store  Store
	opts   Options
}

// NewEngineBuilder creates a new builder with default options.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{}
}

// WithHost sets the host capability interface.
func (b *EngineBuilder) WithHost(host Host) *EngineBuilder {
	b.host = host
	return b
}

// WithClient sets the remote MapHub client.
func (b *EngineBuilder) WithClient(client RemoteClient) *EngineBuilder {
	b.client = client
	return b
}

// WithStore sets the sync state store.
func (b *EngineBuilder) WithStore(store Store) *EngineBuilder {
	b.store = store
	return b
}

// WithPolicy sets the divergence policy.
func (b *EngineBuilder) WithPolicy(policy resolve.Policy) *EngineBuilder {
	b.opts.Policy = policy
	return b
}

// WithAsker sets the interactive escalation point.
func (b *EngineBuilder) WithAsker(asker resolve.Asker) *EngineBuilder {
	b.opts.Asker = asker
	return b
}

// WithResolver overrides the policy-built resolver.
func (b *EngineBuilder) WithResolver(resolver resolve.Resolver) *EngineBuilder {
	b.opts.Resolver = resolver
	return b
}

// WithConcurrency bounds the worker pool.
func (b *EngineBuilder) WithConcurrency(n int) *EngineBuilder {
	b.opts.Concurrency = n
	return b
}

// WithDefaultFolder sets the folder new maps are created in.
func (b *EngineBuilder) WithDefaultFolder(folderID string) *EngineBuilder {
	b.opts.DefaultFolderID = folderID
	return b
}

// WithDefaultVisibility sets the visibility of newly created maps.
func (b *EngineBuilder) WithDefaultVisibility(v maphub.Visibility) *EngineBuilder {
	b.opts.DefaultVisibility = v
	return b
}

// WithSyncInterval enables scheduled runs at the given interval.
func (b *EngineBuilder) WithSyncInterval(interval time.Duration) *EngineBuilder {
	b.opts.SyncInterval = interval
	return b
}

// WithRetry shapes the transfer retry behavior.
func (b *EngineBuilder) WithRetry(maxRetries uint64, initial, max time.Duration) *EngineBuilder {
	b.opts.MaxRetries = maxRetries
	b.opts.RetryInitialInterval = initial
	b.opts.RetryMaxInterval = max
	return b
}

// WithPairCallback registers the per-pair progress callback.
func (b *EngineBuilder) WithPairCallback(fn func(PairResult)) *EngineBuilder {
	b.opts.OnPairResult = fn
	return b
}

// WithRunCallback registers the run-completion callback.
func (b *EngineBuilder) WithRunCallback(fn func(*RunReport)) *EngineBuilder {
	b.opts.OnRunComplete = fn
	return b
}

// Build creates the Engine with the configured options.
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.host == nil {
		return nil, fmt.Errorf("host is required")
	}
	if b.client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if b.store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if b.opts.Concurrency < 0 {
		return nil, fmt.Errorf("concurrency must not be negative, got %d", b.opts.Concurrency)
	}

	return New(b.host, b.client, b.store, &b.opts)
}
