package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meditationastro/medinow-orders/internal/platform/config"
)

func TestWrapErrorClassifiesCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{codes.NotFound, true, false, false},
		{codes.AlreadyExists, false, true, false},
		{codes.Aborted, false, true, false},
		{codes.Unavailable, false, false, true},
		{codes.DeadlineExceeded, false, false, true},
		{codes.PermissionDenied, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := WrapError("orders.get", status.Error(tc.code, "boom"))
			var fsErr *Error
			if !errors.As(err, &fsErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if fsErr.IsNotFound() != tc.notFound || fsErr.IsConflict() != tc.conflict || fsErr.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification %+v", fsErr)
			}
		})
	}
}

func TestWrapErrorPassesContextErrors(t *testing.T) {
	if err := WrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.Canceled, "client gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for grpc Canceled, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatalf("nil should stay nil")
	}
}

func TestProviderRequiresProject(t *testing.T) {
	p := NewProvider(configWithProject(""))
	if _, err := p.Client(context.Background()); err == nil {
		t.Fatalf("expected project id error")
	}
	_ = p.Close(context.Background())
	if _, err := p.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}

func configWithProject(id string) config.FirestoreConfig {
	return config.FirestoreConfig{ProjectID: id}
}
