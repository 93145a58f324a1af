package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/lifeline/internal/actions"
	"github.com/wolfeidau/lifeline/internal/objectstore"
	"github.com/wolfeidau/lifeline/internal/queue"
	"github.com/wolfeidau/lifeline/internal/records"
)

// HandlerFlags configure the backends the queued actions are replayed
// against. A kind whose backend is not configured stays queued.
type HandlerFlags struct {
	ObjectsURL  string `help:"Base URL of the HTTP object store for asset uploads" env:"LIFELINE_OBJECTS_URL"`
	Compress    bool   `help:"Compress uploads with zstd" env:"LIFELINE_OBJECTS_COMPRESS"`
	S3Bucket    string `help:"Upload assets to this S3 bucket instead of the HTTP object store" env:"LIFELINE_S3_BUCKET"`
	S3Prefix    string `help:"Key prefix inside the S3 bucket" env:"LIFELINE_S3_PREFIX"`
	S3Region    string `help:"AWS region for the S3 bucket" env:"AWS_REGION"`
	S3Endpoint  string `help:"Custom S3 endpoint (MinIO, LocalStack)" env:"LIFELINE_S3_ENDPOINT"`
	DatabaseURL string `help:"Postgres connection string for persisted records" env:"LIFELINE_DATABASE_URL"`
}

// register installs the configured handlers on q and returns a function that
// releases their resources.
func (f HandlerFlags) register(ctx context.Context, q *queue.Queue, token objectstore.TokenFunc) (func(), error) {
	objects, err := f.objectStore(ctx, token)
	if err != nil {
		return nil, err
	}

	var recs records.Store
	closeFn := func() {}
	if f.DatabaseURL != "" {
		pool, err := records.NewPool(ctx, &records.PoolConfig{ConnString: f.DatabaseURL})
		if err != nil {
			return nil, err
		}
		store := records.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		recs = store
		closeFn = pool.Close
	}

	if objects == nil {
		log.Warn().Str("kind", string(queue.KindUploadAsset)).Msg("No object store configured, uploads stay queued")
	}
	if recs == nil {
		log.Warn().Str("kind", string(queue.KindPersistRecord)).Msg("No database configured, records stay queued")
	}

	actions.Register(q, objects, recs)
	return closeFn, nil
}

func (f HandlerFlags) objectStore(ctx context.Context, token objectstore.TokenFunc) (objectstore.Store, error) {
	switch {
	case f.S3Bucket != "":
		client, err := objectstore.NewS3Client(ctx, objectstore.S3Config{
			Region:       f.S3Region,
			EndpointURL:  f.S3Endpoint,
			UsePathStyle: f.S3Endpoint != "",
		})
		if err != nil {
			return nil, err
		}
		return objectstore.NewS3Store(client, f.S3Bucket, f.S3Prefix), nil
	case f.ObjectsURL != "":
		store, err := objectstore.NewHTTPStore(objectstore.HTTPConfig{
			BaseURL:  f.ObjectsURL,
			Token:    token,
			Compress: f.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create object store: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}
