// Package cache stores raw fetched items on disk, one JSON document per
// line. A job backs the cache up before a fresh fetch and recovers the
// backup when the fetch fails, so the cache always holds the items of the
// last complete run.
package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gitlab.com/slon/harvest/backend"
)

const (
	itemsFile  = "items.jsonl"
	backupFile = "items.jsonl.bak"
)

// Cache is the per-repository item cache rooted at a directory.
type Cache struct {
	path string
}

// New opens the cache at path, creating the directory when needed.
func New(path string) (*Cache, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Cache{path: path}, nil
}

// Path returns the cache directory.
func (c *Cache) Path() string {
	return c.path
}

// Store appends items to the cache.
func (c *Cache) Store(items ...backend.Item) error {
	f, err := os.OpenFile(c.itemsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return f.Close()
}

// Backup snapshots the current contents. A later Recover call restores
// exactly this state.
func (c *Cache) Backup() error {
	return c.copyFile(c.itemsPath(), c.backupPath())
}

// Recover restores the last backup, dropping whatever was stored since.
func (c *Cache) Recover() error {
	return c.copyFile(c.backupPath(), c.itemsPath())
}

// Retrieve sends every cached item to out in insertion order.
func (c *Cache) Retrieve(ctx context.Context, out chan<- backend.Item) error {
	f, err := os.Open(c.itemsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cache: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var item backend.Item
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		select {
		case out <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// Clean removes the cache contents, backup included.
func (c *Cache) Clean() error {
	for _, name := range []string{c.itemsPath(), c.backupPath()} {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("cache: %w", err)
		}
	}
	return nil
}

func (c *Cache) itemsPath() string  { return filepath.Join(c.path, itemsFile) }
func (c *Cache) backupPath() string { return filepath.Join(c.path, backupFile) }

func (c *Cache) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// нечего копировать - целевой файл тоже должен исчезнуть
			if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("cache: %w", err)
			}
			return nil
		}
		return fmt.Errorf("cache: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return out.Close()
}
