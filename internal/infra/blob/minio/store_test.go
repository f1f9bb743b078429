package minio

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"

	"labflow/internal/blob/core"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
	if _, err := New(context.Background(), Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}

func TestMapError(t *testing.T) {
	notFound := minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	if err := mapError("k", notFound); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	precondition := minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed, Code: "PreconditionFailed"}
	if err := mapError("k", precondition); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	other := errors.New("dial tcp: refused")
	if err := mapError("k", other); err != other {
		t.Fatalf("expected passthrough, got %v", err)
	}
}

func TestInfoFromStat(t *testing.T) {
	got := info(minio.ObjectInfo{Key: "reports/r1/a", Size: 42, ContentType: "application/pdf", ETag: "abc", UserMetadata: minio.StringMap{"Request-Id": "r1"}})
	if got.Key != "reports/r1/a" || got.Size != 42 || got.Metadata["Request-Id"] != "r1" {
		t.Fatalf("unexpected info %+v", got)
	}
	if (&Store{}).Driver() != core.DriverMinIO {
		t.Fatalf("unexpected driver")
	}
}
