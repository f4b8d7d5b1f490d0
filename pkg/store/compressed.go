package store

import (
	"bytes"
	"context"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"
)

const (
	compressionQuality = 11
	compressionWindow  = 22
)

// Compress encodes data with brotli at maximum quality.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterOptions(&buf, brotli.WriterOptions{
		Quality: compressionQuality,
		LGWin:   compressionWindow,
	})
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "could not compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "could not compress")
	}
	return buf.Bytes(), nil
}

func Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, errors.Wrap(err, "could not decompress")
	}
	return out, nil
}

// Compressed wraps a Store and brotli-encodes every value on the way in.
type Compressed struct {
	Store
}

var _ Store = (*Compressed)(nil)

func NewCompressed(inner Store) *Compressed {
	return &Compressed{Store: inner}
}

func (c *Compressed) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := c.Store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return Decompress(data)
}

func (c *Compressed) Save(ctx context.Context, key string, value []byte) error {
	data, err := Compress(value)
	if err != nil {
		return err
	}
	return c.Store.Save(ctx, key, data)
}
