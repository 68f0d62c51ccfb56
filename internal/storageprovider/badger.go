package storageprovider

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/dgraph-io/badger/v4"

	"github.com/getsentry/callprof/internal/storageutil"
)

// Badger stores objects as keys of a badger database.
type Badger struct {
	DB *badger.DB
}

// Put buffers the object and stores it when the writer is closed.
func (b *Badger) Put(ctx context.Context, name string) (io.WriteCloser, error) {
	return &badgerWriter{
		db:   b.DB,
		name: name,
	}, nil
}

func (b *Badger) Get(ctx context.Context, name string) (storageutil.ReadSizeCloser, error) {
	var value []byte
	err := b.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storageutil.ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &memoryReader{Reader: bytes.NewReader(value)}, nil
}

type badgerWriter struct {
	bytes.Buffer
	db   *badger.DB
	name string
}

func (bw *badgerWriter) Close() error {
	return bw.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(bw.name), bw.Bytes())
	})
}

// memoryReader implements storageutil.ReadSizeCloser over a value already
// in memory.
type memoryReader struct {
	*bytes.Reader
}

func (m *memoryReader) Close() error {
	return nil
}
