// Package diff classifies the state of a layer/map pair against its
// last jointly observed baseline, and computes feature-level change
// sets when both sides have moved.
package diff

import (
	"github.com/maphub/layersync/layer"
)

// Classification is the status of a pair relative to its baseline.
type Classification string

const (
	// NewPair means no sync record exists yet for the pair.
	NewPair Classification = "new-pair"

	// InSync means neither side changed since the baseline.
	InSync Classification = "in-sync"

	// LocalAhead means only the local fingerprint moved.
	LocalAhead Classification = "local-ahead"

	// RemoteAhead means only the remote revision moved.
	RemoteAhead Classification = "remote-ahead"

	// Diverged means both sides moved since the baseline.
	Diverged Classification = "diverged"
)

// Baseline is the jointly observed state recorded at the last
// successful sync.
type Baseline struct {
	LocalFingerprint string
	RemoteRevision   int64
}

// Classify compares the current local fingerprint and remote revision
// against the baseline. Divergence is detected purely from the
// baseline bookkeeping, never from a direct local/remote content
// comparison.
func Classify(localFingerprint string, baseline *Baseline, remoteRevision int64) Classification {
	if baseline == nil {
		return NewPair
	}

	localChanged := localFingerprint != baseline.LocalFingerprint
	remoteChanged := remoteRevision != baseline.RemoteRevision

	switch {
	case !localChanged && !remoteChanged:
		return InSync
	case localChanged && !remoteChanged:
		return LocalAhead
	case !localChanged && remoteChanged:
		return RemoteAhead
	default:
		return Diverged
	}
}

// ChangeSet describes how content b differs from content a, keyed by
// stable feature id. It is ephemeral: computed per sync attempt to
// drive merge decisions, never persisted.
type ChangeSet struct {
	Added    []string // feature ids present in b only
	Removed  []string // feature ids present in a only
	Modified []string // feature ids present in both with differing content

	SchemaChanged bool
	StyleChanged  bool
	CRSChanged    bool
}

// Empty reports whether the change set carries no changes at all.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Added) == 0 && len(cs.Removed) == 0 && len(cs.Modified) == 0 &&
		!cs.SchemaChanged && !cs.StyleChanged && !cs.CRSChanged
}

// Changes computes the ChangeSet from content a to content b.
func Changes(a, b *layer.Content) *ChangeSet {
	cs := &ChangeSet{
		SchemaChanged: !a.Schema.Equal(b.Schema),
		StyleChanged:  string(a.Style) != string(b.Style),
		CRSChanged:    a.CRS != b.CRS,
	}

	inA := make(map[string]*layer.Feature, len(a.Features))
	for i := range a.Features {
		inA[a.Features[i].ID] = &a.Features[i]
	}

	seen := make(map[string]struct{}, len(b.Features))
	for i := range b.Features {
		fb := &b.Features[i]
		seen[fb.ID] = struct{}{}
		fa, ok := inA[fb.ID]
		if !ok {
			cs.Added = append(cs.Added, fb.ID)
			continue
		}
		if !featureEqual(fa, fb) {
			cs.Modified = append(cs.Modified, fb.ID)
		}
	}

	for i := range a.Features {
		if _, ok := seen[a.Features[i].ID]; !ok {
			cs.Removed = append(cs.Removed, a.Features[i].ID)
		}
	}

	return cs
}

// Overlap returns the feature ids touched by both change sets: those
// are the conflicts a feature-level merge cannot settle on its own.
func Overlap(local, remote *ChangeSet) []string {
	touchedLocal := make(map[string]struct{})
	for _, id := range local.Added {
		touchedLocal[id] = struct{}{}
	}
	for _, id := range local.Removed {
		touchedLocal[id] = struct{}{}
	}
	for _, id := range local.Modified {
		touchedLocal[id] = struct{}{}
	}

	var overlap []string
	appendIf := func(ids []string) {
		for _, id := range ids {
			if _, ok := touchedLocal[id]; ok {
				overlap = append(overlap, id)
			}
		}
	}
	appendIf(remote.Added)
	appendIf(remote.Removed)
	appendIf(remote.Modified)
	return overlap
}

func featureEqual(a, b *layer.Feature) bool {
	if a.Geometry != b.Geometry {
		return false
	}
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for k, va := range a.Attributes {
		vb, ok := b.Attributes[k]
		if !ok || !valueEqual(va, vb) {
			return false
		}
	}
	return true
}

// valueEqual compares attribute values loosely enough to survive a
// JSON round trip: numbers compare by float64 value, everything else
// by direct equality.
func valueEqual(a, b interface{}) bool {
	fa, aNum := asFloat(a)
	fb, bNum := asFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
