// Package images is the image storage collaborator. Product images live under
// products/, order-scoped copies under orders/<order id>/.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrMissing = errors.New("image missing")

type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Copy returns ErrMissing when src does not exist.
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
}

// OrderKey is the order-scoped key for a copy of src.
func OrderKey(orderID, src string) string {
	return path.Join("orders", orderID, path.Base(src))
}

// FS stores images as plain files below Root.
type FS struct {
	Root string
}

func NewFS(root string) *FS { return &FS{Root: root} }

func (f *FS) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid image key %q", key)
	}
	return filepath.Join(f.Root, filepath.FromSlash(clean)), nil
}

func (f *FS) Exists(_ context.Context, key string) (bool, error) {
	p, err := f.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (f *FS) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sp, err := f.resolve(src)
	if err != nil {
		return err
	}
	dp, err := f.resolve(dst)
	if err != nil {
		return err
	}
	in, err := os.Open(sp)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", src, ErrMissing)
	}
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dp), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dp)
		return err
	}
	return out.Close()
}

func (f *FS) Delete(_ context.Context, key string) error {
	p, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
