package blob

import (
	"context"
	"fmt"

	"labflow/internal/infra/blob/fs"
	"labflow/internal/infra/blob/memory"
	"labflow/internal/infra/blob/minio"
	"labflow/internal/infra/blob/s3"
)

// Options selects and configures a backend. Only the section matching
// Driver is read.
type Options struct {
	Driver Driver
	FSRoot string
	S3     s3.Config
	MinIO  minio.Config
}

// Open constructs the configured backend. An empty driver selects fs.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverFilesystem:
		return fs.New(opts.FSRoot)
	case DriverMemory:
		return memory.New(), nil
	case DriverS3:
		return s3.New(ctx, opts.S3)
	case DriverMinIO:
		return minio.New(ctx, opts.MinIO)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", opts.Driver)
	}
}
