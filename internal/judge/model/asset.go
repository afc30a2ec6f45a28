// Package model defines the submission data model shared by the
// orchestrator, the checker layer and the intake service.
package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	appErr "judged/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

// Fetcher resolves a remote asset URI to a readable stream.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Asset is an abstract named blob. The name is the destination filename
// inside a sandbox working directory. Assets are consumed read-only.
type Asset interface {
	Name() string
	// Materialize writes the asset content under dir using its name.
	Materialize(ctx context.Context, dir string, fetcher Fetcher) error
}

// TextAsset holds inline content.
type TextAsset struct {
	FileName string
	Content  string
}

// Name returns the destination filename.
func (a *TextAsset) Name() string { return a.FileName }

// Materialize writes the inline content to dir.
func (a *TextAsset) Materialize(ctx context.Context, dir string, _ Fetcher) error {
	if a.FileName == "" {
		return appErr.ValidationError("asset_name", "required")
	}
	path := filepath.Join(dir, a.FileName)
	if err := os.WriteFile(path, []byte(a.Content), 0644); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "write text asset failed")
	}
	return nil
}

// FileAsset references a file already on the local filesystem.
type FileAsset struct {
	FileName string
	Path     string
}

// Name returns the destination filename.
func (a *FileAsset) Name() string { return a.FileName }

// Materialize copies the source file to dir.
func (a *FileAsset) Materialize(ctx context.Context, dir string, _ Fetcher) error {
	if a.FileName == "" {
		return appErr.ValidationError("asset_name", "required")
	}
	src, err := os.Open(a.Path)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "open file asset failed")
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dir, a.FileName))
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create file asset failed")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "copy file asset failed")
	}
	return nil
}

// RemoteAsset references an object by URI with a sha256 checksum.
// URIs ending in ".zst" are transparently decompressed.
type RemoteAsset struct {
	FileName string
	URI      string
	Checksum string
}

// Name returns the destination filename.
func (a *RemoteAsset) Name() string { return a.FileName }

// Materialize downloads the object, verifies the checksum against the
// raw bytes and writes the (possibly decompressed) content to dir.
func (a *RemoteAsset) Materialize(ctx context.Context, dir string, fetcher Fetcher) error {
	if a.FileName == "" {
		return appErr.ValidationError("asset_name", "required")
	}
	if fetcher == nil {
		return appErr.New(appErr.StorageError).WithMessage("no fetcher configured for remote asset")
	}
	reader, err := fetcher.Fetch(ctx, a.URI)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "fetch remote asset failed")
	}
	defer reader.Close()

	hasher := sha256.New()
	var content io.Reader = io.TeeReader(reader, hasher)

	if strings.HasSuffix(a.URI, ".zst") {
		dec, err := zstd.NewReader(content)
		if err != nil {
			return appErr.Wrapf(err, appErr.StorageError, "open zstd stream failed")
		}
		defer dec.Close()
		content = dec
	}

	dst, err := os.Create(filepath.Join(dir, a.FileName))
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create remote asset file failed")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, content); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "write remote asset failed")
	}

	if a.Checksum != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, a.Checksum) {
			return appErr.New(appErr.ChecksumMismatch).
				WithDetail("asset", a.FileName).
				WithDetail("expected", a.Checksum).
				WithDetail("actual", actual)
		}
	}
	return nil
}
