// Package blob selects and constructs the artifact store backend.
package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/hmhoseini/uvsib/internal/infra/blob/core"
	"github.com/hmhoseini/uvsib/internal/infra/blob/fs"
	"github.com/hmhoseini/uvsib/internal/infra/blob/memory"
	"github.com/hmhoseini/uvsib/internal/infra/blob/s3"
)

// Options selects the driver and carries per-driver settings.
type Options struct {
	Driver core.Driver

	// Filesystem driver.
	Root string

	// S3 driver.
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
}

// Open constructs a blob store for the configured driver. An empty driver
// defaults to the filesystem backend.
func Open(ctx context.Context, opts Options) (core.Store, error) {
	driver := core.Driver(strings.ToLower(strings.TrimSpace(string(opts.Driver))))
	switch driver {
	case "", core.DriverFilesystem:
		return fs.New(opts.Root)
	case core.DriverMemory:
		return memory.New(), nil
	case core.DriverS3:
		return s3.New(ctx, s3.Config{
			Region:          opts.Region,
			Bucket:          opts.Bucket,
			Endpoint:        opts.Endpoint,
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: opts.SecretAccessKey,
			SessionToken:    opts.SessionToken,
			PathStyle:       opts.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}
