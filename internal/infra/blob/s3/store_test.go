package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"labflow/internal/blob/core"
)

func TestMockStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if s.Driver() != core.DriverS3 || s.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected store identity %s %s", s.Driver(), s.Bucket())
	}
	payload := []byte("png-bytes")
	info, err := s.Put(ctx, "reports/r1/a", bytes.NewReader(payload), core.PutOptions{
		ContentType: "image/png",
		Metadata:    map[string]string{"request-id": "r1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) || info.ContentType != "image/png" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, "reports/r1/a", bytes.NewReader(payload), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	_, rc, err := s.Get(ctx, "reports/r1/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(body, payload) {
		t.Fatalf("unexpected body %q", body)
	}

	if _, err := s.Put(ctx, "reports/r2/b", strings.NewReader("other"), core.PutOptions{}); err != nil {
		t.Fatalf("put r2: %v", err)
	}
	list, err := s.List(ctx, "reports/r1/")
	if err != nil || len(list) != 1 || list[0].Key != "reports/r1/a" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}

	if ok, err := s.Delete(ctx, "reports/r1/a"); !ok || err != nil {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "reports/r1/a"); ok || err != nil {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, _, err := s.Get(ctx, "reports/r1/a"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if _, err := s.Head(ctx, "reports/r1/a"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
}

func TestPresign(t *testing.T) {
	s := NewMockForTests()
	url, err := s.PresignURL(context.Background(), "reports/r1/a", core.SignedURLOptions{Expiry: time.Minute})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "mock-bucket/reports/r1/a") || !strings.Contains(url, "X-Amz-Expires=60") {
		t.Fatalf("unexpected url %s", url)
	}
	if _, err := s.PresignURL(context.Background(), "k", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	s, err := New(context.Background(), Config{Bucket: "b", Endpoint: "http://localhost:9000", PathStyle: true, AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Bucket() != "b" {
		t.Fatalf("unexpected bucket %s", s.Bucket())
	}
}

func TestDecodeChunked(t *testing.T) {
	got, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\nx-amz-checksum-crc32:abc\r\n\r\n"))
	if !ok || string(got) != "hello" {
		t.Fatalf("unexpected decode %q %v", got, ok)
	}
	if _, ok := decodeChunked([]byte("plain")); ok {
		t.Fatalf("plain body should not decode")
	}
}
