package blob

import (
	"context"
	"fmt"

	"estatecrm/internal/infra/blob/fs"
	memorystore "estatecrm/internal/infra/blob/memory"
	infraS3 "estatecrm/internal/infra/blob/s3"
)

// S3Config re-exports the S3 driver configuration.
type S3Config = infraS3.Config

// Config selects and configures a blob driver.
type Config struct {
	Driver Driver
	// Root is the directory for the fs driver.
	Root string
	S3   S3Config
}

// Open returns the configured store. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.Root)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
