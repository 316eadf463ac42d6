package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend stores one JSON document per collection and namespace under dir.
// It is the last-resort tier and only needs a writable local directory.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

func NewFile(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) Name() string { return "emergency" }

func (b *FileBackend) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	f, err := os.CreateTemp(b.dir, ".probe-*")
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (b *FileBackend) Read(_ context.Context, collection string, f Filter) ([]Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.load(collection, f.Namespace)
	if err != nil {
		return nil, err
	}
	if f.Key != "" {
		if v, ok := doc[f.Key]; ok {
			return []Item{{Key: f.Key, Value: v}}, nil
		}
		return nil, nil
	}
	items := make([]Item, 0, len(doc))
	for k, v := range doc {
		items = append(items, Item{Key: k, Value: v})
	}
	sortItems(items)
	return items, nil
}

func (b *FileBackend) Write(_ context.Context, collection, namespace, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("record %s is not valid JSON", key)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.load(collection, namespace)
	if err != nil {
		return err
	}
	doc[key] = append(json.RawMessage(nil), value...)
	return b.save(collection, namespace, doc)
}

func (b *FileBackend) Delete(_ context.Context, collection, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.load(collection, namespace)
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return b.save(collection, namespace, doc)
}

func (b *FileBackend) path(collection, namespace string) string {
	return filepath.Join(b.dir, url.PathEscape(collection), url.PathEscape(namespace)+".json")
}

func (b *FileBackend) load(collection, namespace string) (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	raw, err := os.ReadFile(b.path(collection, namespace))
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path(collection, namespace), err)
	}
	return doc, nil
}

// save writes through a temp file and rename so readers never see a partial document
func (b *FileBackend) save(collection, namespace string, doc map[string]json.RawMessage) error {
	p := b.path(collection, namespace)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}
