package blob

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Options{FSRoot: filepath.Join(t.TempDir(), "blobs")})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("expected fs default, got %s", store.Driver())
	}
	store, err = Open(ctx, Options{Driver: DriverMemory})
	if err != nil || store.Driver() != DriverMemory {
		t.Fatalf("open memory: %v", err)
	}
	if _, err := Open(ctx, Options{Driver: DriverS3}); err == nil {
		t.Fatalf("expected s3 without bucket to fail")
	}
	if _, err := Open(ctx, Options{Driver: DriverMinIO}); err == nil {
		t.Fatalf("expected minio without endpoint to fail")
	}
	if _, err := Open(ctx, Options{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
