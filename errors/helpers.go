package errors

// WrapOpComponent wraps err with consistent Op and Component
// propagation. If err is nil, returns nil. An existing SyncError keeps
// its Kind and Retryable flag.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	if syncErr, ok := err.(*SyncError); ok {
		return &SyncError{
			Op:        op,
			Component: component,
			Kind:      syncErr.Kind,
			Err:       syncErr,
			Retryable: syncErr.Retryable,
			Metadata:  syncErr.Metadata,
		}
	}
	return NewWithComponent(op, component, err)
}

// WrapOpComponentKind wraps err with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op Operation, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        op,
		Component: component,
		Kind:      kind,
		Err:       err,
		Retryable: kind == KindNetwork,
	}
}

// WithMetadata returns a copy of err annotated with a metadata entry
// when err is a SyncError; otherwise err is returned unchanged.
func WithMetadata(err error, key string, value interface{}) error {
	syncErr, ok := err.(*SyncError)
	if !ok {
		return err
	}
	meta := make(map[string]interface{}, len(syncErr.Metadata)+1)
	for k, v := range syncErr.Metadata {
		meta[k] = v
	}
	meta[key] = value
	clone := *syncErr
	clone.Metadata = meta
	return &clone
}
