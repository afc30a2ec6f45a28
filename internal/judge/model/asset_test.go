package model

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	pkgerrors "judged/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

type mapFetcher map[string][]byte

func (f mapFetcher) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	data, ok := f[uri]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestTextAssetMaterialize(t *testing.T) {
	dir := t.TempDir()
	asset := &TextAsset{FileName: "testdata.in", Content: "1\n"}
	if err := asset.Materialize(context.Background(), dir, nil); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "testdata.in"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "1\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestFileAssetMaterialize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "orig.txt")
	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	asset := &FileAsset{FileName: "copy.txt", Path: src}
	if err := asset.Materialize(context.Background(), dir, nil); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "copy.txt"))
	if string(data) != "payload" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestRemoteAssetChecksum(t *testing.T) {
	dir := t.TempDir()
	content := []byte("remote data")
	sum := sha256.Sum256(content)
	fetcher := mapFetcher{"bucket/key": content}

	asset := &RemoteAsset{FileName: "data.bin", URI: "bucket/key", Checksum: hex.EncodeToString(sum[:])}
	if err := asset.Materialize(context.Background(), dir, fetcher); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	asset.Checksum = "deadbeef"
	err := asset.Materialize(context.Background(), dir, fetcher)
	if err == nil {
		t.Fatal("expected checksum mismatch")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.ChecksumMismatch {
		t.Fatalf("expected ChecksumMismatch, got %v", got)
	}
}

func TestRemoteAssetZstd(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("new zstd writer: %v", err)
	}
	if _, err := enc.Write([]byte("compressed payload")); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	raw := buf.Bytes()
	sum := sha256.Sum256(raw)
	fetcher := mapFetcher{"bucket/data.zst": raw}

	asset := &RemoteAsset{FileName: "data.txt", URI: "bucket/data.zst", Checksum: hex.EncodeToString(sum[:])}
	if err := asset.Materialize(context.Background(), dir, fetcher); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "data.txt"))
	if string(data) != "compressed payload" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestRemoteAssetWithoutFetcher(t *testing.T) {
	asset := &RemoteAsset{FileName: "x", URI: "bucket/key"}
	if err := asset.Materialize(context.Background(), t.TempDir(), nil); err == nil {
		t.Fatal("expected error without fetcher")
	}
}
