package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/getsentry/callprof/internal/storageprovider"
	"github.com/getsentry/callprof/internal/storageutil"
)

// newStorage opens the configured provider. The returned function releases
// it.
func newStorage(ctx context.Context, cfg ServiceConfig) (storageutil.ObjectHandler, func() error, error) {
	switch cfg.StorageProvider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return &storageprovider.Gcs{BucketHandle: client.Bucket(cfg.ProfilesBucket)}, client.Close, nil
	case "badger":
		opts := badger.DefaultOptions(cfg.BadgerPath).WithLogger(nil)
		if cfg.BadgerPath == "" {
			opts = opts.WithInMemory(true)
		}
		db, err := badger.Open(opts)
		if err != nil {
			return nil, nil, err
		}
		return &storageprovider.Badger{DB: db}, db.Close, nil
	case "blob":
		bucket, err := blob.OpenBucket(ctx, cfg.BlobURL)
		if err != nil {
			return nil, nil, err
		}
		return &storageprovider.Blob{Bucket: bucket}, bucket.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
}
