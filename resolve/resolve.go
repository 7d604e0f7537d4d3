// Package resolve decides what to do with a classified layer/map pair:
// the trivial directions for one-sided change, and the configured
// policy when both sides diverged since the baseline.
package resolve

import (
	"context"
	"fmt"

	"github.com/maphub/layersync/diff"
	syncErrors "github.com/maphub/layersync/errors"
	"github.com/maphub/layersync/layer"
)

// Policy selects the divergence behavior.
type Policy string

const (
	// PreferLocal overwrites the remote with local content.
	PreferLocal Policy = "prefer-local"

	// PreferRemote overwrites local content with the remote.
	PreferRemote Policy = "prefer-remote"

	// MergeByFeature unions non-overlapping feature changes and
	// escalates only features modified on both sides.
	MergeByFeature Policy = "merge-by-feature"

	// Ask surfaces the divergence to the host UI. With no Asker
	// available the pair is left untouched for this run.
	Ask Policy = "ask"
)

// Action is what the transfer worker executes for a pair.
type Action string

const (
	ActionNone        Action = "none"
	ActionUpload      Action = "upload"
	ActionDownload    Action = "download"
	ActionMergeUpload Action = "merge-upload"
	ActionAbort       Action = "abort"
)

// Conflict carries everything needed to decide a diverged pair.
// Local and Remote are the current contents of each side; Overlap
// lists the feature ids changed on both sides relative to each other.
type Conflict struct {
	LayerID string
	MapID   string

	Classification diff.Classification

	Local  *layer.Content
	Remote *layer.Content

	Changes *diff.ChangeSet // remote -> local change set
}

// Decision is the outcome of resolution. Merged is set only for
// ActionMergeUpload.
type Decision struct {
	Action Action
	Merged *layer.Content
	Reason string
}

// Resolver decides the applicable action for a classified pair.
type Resolver interface {
	Resolve(ctx context.Context, c Conflict) (Decision, error)
}

// Asker is the escalation point to the external collaborator (the host
// UI). Implementations may block on user input; the context carries
// the per-call timeout.
type Asker interface {
	Ask(ctx context.Context, c Conflict) (Decision, error)
}

// PolicyResolver resolves one-sided classifications directly and
// applies the configured Policy to divergences.
type PolicyResolver struct {
	policy Policy
	asker  Asker
}

var _ Resolver = (*PolicyResolver)(nil)

// Option configures a PolicyResolver.
type Option func(*PolicyResolver)

// WithAsker attaches the interactive escalation point. Without one,
// Ask resolves to ActionAbort.
func WithAsker(a Asker) Option {
	return func(r *PolicyResolver) { r.asker = a }
}

// NewPolicyResolver creates a resolver for the given policy.
func NewPolicyResolver(policy Policy, opts ...Option) (*PolicyResolver, error) {
	switch policy {
	case PreferLocal, PreferRemote, MergeByFeature, Ask:
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", policy)
	}

	r := &PolicyResolver{policy: policy}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve implements Resolver.
func (r *PolicyResolver) Resolve(ctx context.Context, c Conflict) (Decision, error) {
	switch c.Classification {
	case diff.InSync:
		return Decision{Action: ActionNone, Reason: "baseline unchanged on both sides"}, nil
	case diff.LocalAhead:
		return Decision{Action: ActionUpload, Reason: "only local changed since baseline"}, nil
	case diff.RemoteAhead:
		return Decision{Action: ActionDownload, Reason: "only remote changed since baseline"}, nil
	case diff.NewPair:
		return Decision{Action: ActionUpload, Reason: "layer not yet paired"}, nil
	case diff.Diverged:
		return r.resolveDiverged(ctx, c)
	default:
		return Decision{}, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("unknown classification %q", c.Classification))
	}
}

func (r *PolicyResolver) resolveDiverged(ctx context.Context, c Conflict) (Decision, error) {
	switch r.policy {
	case PreferLocal:
		return Decision{Action: ActionUpload, Reason: "policy prefers local"}, nil
	case PreferRemote:
		return Decision{Action: ActionDownload, Reason: "policy prefers remote"}, nil
	case MergeByFeature:
		return r.merge(ctx, c)
	case Ask:
		return r.ask(ctx, c)
	default:
		return Decision{}, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("unknown conflict policy %q", r.policy))
	}
}

// ask escalates to the host UI. In a non-interactive context the pair
// is aborted: its record keeps the diverged status and its baseline is
// left untouched.
func (r *PolicyResolver) ask(ctx context.Context, c Conflict) (Decision, error) {
	if r.asker == nil {
		return Decision{Action: ActionAbort, Reason: "divergence needs an answer and no asker is available"}, nil
	}
	return r.asker.Ask(ctx, c)
}

// merge unions non-overlapping feature changes from both sides.
// Features that differ on both sides escalate to the asker; schemas
// that differ cannot be merged at all.
func (r *PolicyResolver) merge(ctx context.Context, c Conflict) (Decision, error) {
	if c.Local == nil || c.Remote == nil {
		return Decision{}, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("merge requires both contents"))
	}

	if !c.Local.Schema.Equal(c.Remote.Schema) {
		return Decision{}, syncErrors.NewSchemaError(syncErrors.OpResolve,
			fmt.Errorf("local and remote schemas differ and cannot be merged"))
	}
	if c.Local.CRS != c.Remote.CRS {
		return Decision{}, syncErrors.NewSchemaError(syncErrors.OpResolve,
			fmt.Errorf("local and remote CRS differ: %s vs %s", c.Local.CRS, c.Remote.CRS))
	}

	changes := c.Changes
	if changes == nil {
		changes = diff.Changes(c.Remote, c.Local)
	}

	// Features present on both sides with differing content were
	// modified on both sides relative to each other; only the user can
	// settle those.
	if len(changes.Modified) > 0 {
		return r.ask(ctx, c)
	}

	merged := c.Remote.Clone()

	// Union in the features only the local side has. Features only the
	// remote side has are already present in the base. With only a
	// fingerprint baseline a one-sided absence is indistinguishable from
	// a one-sided addition, so deletions do not survive a merge: a
	// feature deleted on one side is restored from the other.
	for _, id := range changes.Added {
		if f := c.Local.FeatureByID(id); f != nil {
			merged.Features = append(merged.Features, *f)
		}
	}

	// A style difference with identical features keeps the local
	// style; style carries no feature data and the upload republishes
	// it anyway.
	if changes.StyleChanged && len(c.Local.Style) > 0 {
		merged.Style = append([]byte(nil), c.Local.Style...)
	}

	return Decision{
		Action: ActionMergeUpload,
		Merged: merged,
		Reason: fmt.Sprintf("merged %d local-only features into remote content", len(changes.Added)),
	}, nil
}
