// Package localfile provides the file backend adapter over a local
// directory tree.
package localfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// Adapter is the file backend adapter. Keys are slash-separated relative
// paths confined to the configured root.
type Adapter struct {
	root string
}

// New constructs the adapter without touching the filesystem.
func New(root string) *Adapter { return &Adapter{root: root} }

// Kind implements domain.Adapter.
func (a *Adapter) Kind() domain.BackendKind { return domain.KindFile }

// TypeTag implements domain.Adapter.
func (a *Adapter) TypeTag() string { return "localfs" }

// Connect creates the root directory.
func (a *Adapter) Connect(_ context.Context) error {
	if a.root == "" {
		return fmt.Errorf("op=localfile.connect: %w: root required", domain.ErrPermanent)
	}
	if err := os.MkdirAll(a.root, 0o750); err != nil {
		return fmt.Errorf("op=localfile.connect: %w: %v", domain.ErrPermanent, err)
	}
	return nil
}

// Close implements domain.Adapter.
func (a *Adapter) Close(_ context.Context) error { return nil }

// Ping verifies the root is still a writable directory.
func (a *Adapter) Ping(_ context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("op=localfile.ping: %w: root missing", domain.ErrUnavailable)
	}
	return nil
}

// Execute implements the file capability matrix: put, get, delete.
func (a *Adapter) Execute(_ context.Context, op string, payload domain.Payload) (any, error) {
	key, _ := payload["key"].(string)
	path, err := a.resolve(key)
	if err != nil {
		return nil, err
	}
	switch op {
	case "put":
		data, err := contentBytes(payload)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("op=localfile.put key=%s: %w: %v", key, domain.ErrPermanent, err)
		}
		// Write-then-rename keeps partially written files invisible.
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o640); err != nil {
			return nil, fmt.Errorf("op=localfile.put key=%s: %w: %v", key, domain.ErrTransient, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return nil, fmt.Errorf("op=localfile.put key=%s: %w: %v", key, domain.ErrTransient, err)
		}
		return key, nil
	case "get":
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("op=localfile.get key=%s: %w", key, domain.ErrNotFound)
			}
			return nil, fmt.Errorf("op=localfile.get key=%s: %w: %v", key, domain.ErrTransient, err)
		}
		return data, nil
	case "delete":
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("op=localfile.delete key=%s: %w: %v", key, domain.ErrTransient, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("op=localfile.execute operation=%s: %w: unsupported operation", op, domain.ErrPermanent)
	}
}

func (a *Adapter) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("op=localfile: %w: key required", domain.ErrPermanent)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("op=localfile key=%q: %w: key escapes root", key, domain.ErrPermanent)
	}
	return filepath.Join(a.root, clean), nil
}

func contentBytes(payload domain.Payload) ([]byte, error) {
	switch v := payload["content"].(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("op=localfile.put: %w: content required", domain.ErrPermanent)
	}
}
