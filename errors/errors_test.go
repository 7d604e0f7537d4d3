package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestConstructorKinds(t *testing.T) {
	cause := stderrors.New("boom")

	tests := []struct {
		name      string
		err       *SyncError
		kind      Kind
		retryable bool
	}{
		{"auth", NewAuthError(OpAuth, cause), KindAuth, false},
		{"network", NewNetworkError(OpTransport, cause), KindNetwork, true},
		{"revision conflict", NewRevisionConflictError(OpUpload, cause), KindRevisionConflict, false},
		{"schema", NewSchemaError(OpResolve, cause), KindSchemaIncompatible, false},
		{"store", NewStoreError(OpStore, cause), KindStore, false},
		{"not found", NewNotFoundError(OpLoad, cause), KindNotFound, false},
		{"validation", NewValidationError(OpSync, cause), KindValidation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf() = %v, want %v", got, tt.kind)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if !stderrors.Is(tt.err, cause) {
				t.Error("cause not reachable through Unwrap")
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	cause := stderrors.New("boom")

	if !IsFatal(NewAuthError(OpAuth, cause)) {
		t.Error("auth errors must abort the run")
	}
	if !IsFatal(NewStoreError(OpStore, cause)) {
		t.Error("store errors must abort the run")
	}
	if IsFatal(NewNetworkError(OpTransport, cause)) {
		t.Error("network errors are per-pair, not fatal")
	}
	if IsFatal(NewRevisionConflictError(OpUpload, cause)) {
		t.Error("revision conflicts are per-pair, not fatal")
	}
	if IsFatal(cause) {
		t.Error("plain errors are not fatal")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewNetworkError(OpUpload, stderrors.New("connection reset"))
	want := "upload operation failed in maphub component [NETWORK]: connection reset"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := New(OpSync, stderrors.New("boom"))
	if bare.Error() != "sync operation failed: boom" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestWrapOpComponent_PreservesKind(t *testing.T) {
	inner := NewNetworkError(OpTransport, stderrors.New("timeout"))
	wrapped := WrapOpComponent(inner, OpSync, "engine")

	if !IsRetryable(wrapped) {
		t.Error("wrapping lost the retryable flag")
	}
	if KindOf(wrapped) != KindNetwork {
		t.Errorf("wrapping lost the kind, got %v", KindOf(wrapped))
	}
	if !stderrors.Is(wrapped, inner) {
		t.Error("inner error not reachable through wrapped chain")
	}

	if WrapOpComponent(nil, OpSync, "engine") != nil {
		t.Error("wrapping nil must return nil")
	}
}

func TestWrapOpComponent_PlainError(t *testing.T) {
	wrapped := WrapOpComponent(fmt.Errorf("plain"), OpDownload, "host")

	var syncErr *SyncError
	if !stderrors.As(wrapped, &syncErr) {
		t.Fatal("plain error not converted to SyncError")
	}
	if syncErr.Op != OpDownload || syncErr.Component != "host" {
		t.Errorf("op/component not set: %+v", syncErr)
	}
}

func TestWrapOpComponentKind(t *testing.T) {
	wrapped := WrapOpComponentKind(stderrors.New("dial tcp"), OpTransport, "maphub", KindNetwork)
	if !IsRetryable(wrapped) {
		t.Error("network kind must be retryable")
	}

	wrapped = WrapOpComponentKind(stderrors.New("denied"), OpAuth, "maphub", KindAuth)
	if IsRetryable(wrapped) {
		t.Error("auth kind must not be retryable")
	}
}

func TestWithMetadata(t *testing.T) {
	base := NewRevisionConflictError(OpUpload, stderrors.New("conflict"))
	annotated := WithMetadata(WithMetadata(base, "map_id", "m-1"), "expected_revision", int64(5))

	var syncErr *SyncError
	if !stderrors.As(annotated, &syncErr) {
		t.Fatal("annotated error is not a SyncError")
	}
	if syncErr.Metadata["map_id"] != "m-1" {
		t.Errorf("metadata lost: %v", syncErr.Metadata)
	}
	if syncErr.Metadata["expected_revision"] != int64(5) {
		t.Errorf("metadata lost: %v", syncErr.Metadata)
	}

	// The original stays untouched.
	if base.Metadata != nil {
		t.Error("WithMetadata mutated the original error")
	}

	plain := stderrors.New("plain")
	if WithMetadata(plain, "k", "v") != plain {
		t.Error("plain errors must pass through unchanged")
	}
}

func TestKindOf_NonSyncError(t *testing.T) {
	if KindOf(stderrors.New("plain")) != "" {
		t.Error("plain error must have empty kind")
	}
	if IsKind(nil, KindAuth) {
		t.Error("nil error must not match any kind")
	}
	if IsRetryable(nil) {
		t.Error("nil error is not retryable")
	}
}
