// Package gitlog implements a backend that turns the commit log of a git
// repository into items.
package gitlog

import (
	"context"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"gitlab.com/slon/harvest/backend"
)

// Name is the identifier the backend registers under.
const Name = "gitlog"

func init() {
	backend.Register(Name, New)
}

// GitLog fetches one item per commit from a git repository. The origin is
// either a local path or a clone URL; for URLs the args entry "path" names
// the local checkout directory.
type GitLog struct {
	origin string
	path   string
}

func New(origin string, args map[string]interface{}) (backend.Backend, error) {
	b := &GitLog{origin: origin, path: origin}
	if p, ok := args["path"].(string); ok && p != "" {
		b.path = p
	}
	return b, nil
}

func (g *GitLog) Fetch(ctx context.Context, from time.Time, out chan<- backend.Item) error {
	repo, err := g.open(ctx)
	if err != nil {
		return err
	}

	opts := &git.LogOptions{}
	if !from.IsZero() {
		opts.Since = &from
	}
	iter, err := repo.Log(opts)
	if err != nil {
		return err
	}
	defer iter.Close()

	return iter.ForEach(func(c *object.Commit) error {
		item := backend.Item{
			UUID:      backend.ItemUUID(g.origin, c.Hash.String()),
			Origin:    g.origin,
			Backend:   Name,
			UpdatedOn: float64(c.Committer.When.Unix()),
			Data: map[string]interface{}{
				"commit":       c.Hash.String(),
				"author":       c.Author.String(),
				"authored_on":  c.Author.When.UTC().Format(time.RFC3339),
				"committer":    c.Committer.String(),
				"committed_on": c.Committer.When.UTC().Format(time.RFC3339),
				"message":      c.Message,
			},
		}
		select {
		case out <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (g *GitLog) open(ctx context.Context) (*git.Repository, error) {
	repo, err := git.PlainOpen(g.path)
	if err == nil {
		return repo, nil
	}
	if g.path == g.origin {
		// local path with no checkout elsewhere, nothing to clone from
		return nil, err
	}
	return git.PlainCloneContext(ctx, g.path, false, &git.CloneOptions{URL: g.origin})
}
