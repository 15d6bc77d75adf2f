package gitlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"gitlab.com/slon/harvest/backend"
)

func commitFile(t *testing.T, wt *git.Worktree, dir, name string, when time.Time) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	_, err := wt.Add(name)
	require.NoError(t, err)

	hash, err := wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: when},
	})
	require.NoError(t, err)
	return hash.String()
}

func fetchItems(t *testing.T, b backend.Backend, from time.Time) []backend.Item {
	t.Helper()

	out := make(chan backend.Item)
	done := make(chan error, 1)
	go func() {
		err := b.Fetch(context.Background(), from, out)
		close(out)
		done <- err
	}()

	var items []backend.Item
	for item := range out {
		items = append(items, item)
	}
	require.NoError(t, <-done)
	return items
}

func TestFetchCommits(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	t1 := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2020, 5, 3, 12, 0, 0, 0, time.UTC)
	hash1 := commitFile(t, wt, dir, "first.txt", t1)
	hash2 := commitFile(t, wt, dir, "second.txt", t2)

	b, err := New(dir, nil)
	require.NoError(t, err)

	items := fetchItems(t, b, time.Time{})
	require.Len(t, items, 2)

	byCommit := make(map[string]backend.Item)
	for _, item := range items {
		require.Equal(t, dir, item.Origin)
		require.Equal(t, Name, item.Backend)
		require.Equal(t, backend.ItemUUID(dir, item.Data["commit"].(string)), item.UUID)
		byCommit[item.Data["commit"].(string)] = item
	}
	require.Contains(t, byCommit, hash1)
	require.Contains(t, byCommit, hash2)
	require.Equal(t, float64(t2.Unix()), byCommit[hash2].UpdatedOn)
	require.Equal(t, "add second.txt", byCommit[hash2].Data["message"])
}

func TestFetchSince(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	t1 := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2020, 5, 3, 12, 0, 0, 0, time.UTC)
	commitFile(t, wt, dir, "first.txt", t1)
	hash2 := commitFile(t, wt, dir, "second.txt", t2)

	b, err := New(dir, nil)
	require.NoError(t, err)

	items := fetchItems(t, b, t2.Add(-time.Minute))
	require.Len(t, items, 1)
	require.Equal(t, hash2, items[0].Data["commit"])
}

func TestOpenMissingRepository(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "missing"), nil)
	require.NoError(t, err)

	out := make(chan backend.Item, 1)
	require.Error(t, b.Fetch(context.Background(), time.Time{}, out))
}
