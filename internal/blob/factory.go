package blob

import (
	"context"
	"fmt"
	"strings"

	"ims/api/internal/config"
)

// Open builds the store selected by cfg.BlobDriver. An empty driver means fs.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(cfg.BlobDriver))) {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.BlobFSRoot)
	case DriverMinio:
		return NewMinio(ctx, MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.BlobDriver)
	}
}
