package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/fhir"
)

// LocalStore keeps payloads on the filesystem, one file per id plus a small
// metadata sidecar carrying the content type.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "vitalbase-blobs")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create blob root %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

type localMeta struct {
	ContentType string `json:"contentType"`
}

func (s *LocalStore) dataPath(id string) string { return filepath.Join(s.root, id) }
func (s *LocalStore) metaPath(id string) string { return filepath.Join(s.root, id+".meta") }

func (s *LocalStore) Put(_ context.Context, id string, blob Blob) error {
	if !fhir.IsID(id) {
		return fmt.Errorf("invalid blob id %q", id)
	}
	meta, err := json.Marshal(localMeta{ContentType: blob.ContentType})
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.dataPath(id), blob.Data, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(s.metaPath(id), meta, 0o644); err != nil {
		return err
	}
	common.Logger.WithField("size", humanize.Bytes(uint64(len(blob.Data)))).
		WithField("id", id).Debug("blob stored")
	return nil
}

func (s *LocalStore) Get(_ context.Context, id string) (*Blob, error) {
	if !fhir.IsID(id) {
		return nil, notFound(id)
	}
	data, err := os.ReadFile(s.dataPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(id)
		}
		return nil, err
	}
	blob := &Blob{Data: data, ContentType: "application/octet-stream"}
	if raw, err := os.ReadFile(s.metaPath(id)); err == nil {
		var meta localMeta
		if json.Unmarshal(raw, &meta) == nil && meta.ContentType != "" {
			blob.ContentType = meta.ContentType
		}
	}
	return blob, nil
}

func (s *LocalStore) Delete(_ context.Context, id string) error {
	if !fhir.IsID(id) {
		return nil
	}
	if err := os.Remove(s.dataPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
