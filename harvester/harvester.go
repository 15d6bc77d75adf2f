// Package harvester ties the pieces together: the repository registry,
// the scheduler and the item storage on redis.
package harvester

import (
	"context"
	"encoding/json"
	"net/url"
	"path/filepath"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"gitlab.com/slon/harvest/backend"
	"gitlab.com/slon/harvest/repository"
	"gitlab.com/slon/harvest/scheduler"
)

// Options configure a Harvester.
type Options struct {
	// BaseCachePath is the directory item caches live under; caching is
	// off when empty.
	BaseCachePath string
	Logger        *zap.Logger
	Scheduler     scheduler.Options
}

// Harvester retrieves data from software repositories. Registered
// repositories are fetched by scheduler jobs; the resulting items queue up
// on redis until drained with Items.
type Harvester struct {
	conn  redis.UniversalClient
	log   *zap.Logger
	repos *repository.Manager
	sched *scheduler.Scheduler

	baseCachePath string
}

// New creates a Harvester on the given redis connection. The database is
// flushed: queue state does not survive restarts, repositories are meant
// to be re-registered.
func New(ctx context.Context, conn redis.UniversalClient, opts Options) (*Harvester, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scheduler.Logger == nil {
		opts.Scheduler.Logger = opts.Logger
	}

	if err := conn.FlushDB(ctx).Err(); err != nil {
		return nil, err
	}

	return &Harvester{
		conn:          conn,
		log:           opts.Logger.Named("harvester"),
		repos:         repository.NewManager(),
		sched:         scheduler.New(conn, opts.Scheduler),
		baseCachePath: opts.BaseCachePath,
	}, nil
}

// Start blocks running the scheduler until ctx is done.
func (h *Harvester) Start(ctx context.Context) error {
	h.log.Info("starting")
	return h.sched.Run(ctx)
}

// Add registers a repository and schedules its first fetch. The args
// entry "cache" enables write-through caching of raw items when a base
// cache path is configured.
func (h *Harvester) Add(ctx context.Context, origin, backendName string, args map[string]interface{}) error {
	if !backend.Exists(backendName) {
		return &backend.NotFoundError{Element: backendName}
	}

	cachePath := ""
	if wantCache, _ := args["cache"].(bool); wantCache && h.baseCachePath != "" {
		cachePath = filepath.Join(h.baseCachePath, url.PathEscape(origin))
	}

	repo := &repository.Repository{
		Origin:    origin,
		Backend:   backendName,
		Args:      args,
		CachePath: cachePath,
	}
	if err := h.repos.Add(repo); err != nil {
		return err
	}

	if _, err := h.sched.AddJob(ctx, scheduler.QueueCreate, repo); err != nil {
		// не оставляем в реестре репозиторий без задачи
		_ = h.repos.Remove(origin)
		return err
	}

	h.log.Info("repository added",
		zap.String("origin", origin),
		zap.String("backend", backendName))
	return nil
}

// Remove unregisters a repository. Jobs already queued for it still run.
func (h *Harvester) Remove(origin string) error {
	return h.repos.Remove(origin)
}

// List returns the registered repositories sorted by origin.
func (h *Harvester) List() []*repository.Repository {
	return h.repos.List()
}

// Repositories exposes the registry.
func (h *Harvester) Repositories() *repository.Manager {
	return h.repos
}

// Items drains the queued items in one atomic transaction and returns
// them in storage order.
func (h *Harvester) Items(ctx context.Context) ([]backend.Item, error) {
	pipe := h.conn.TxPipeline()
	rangeCmd := pipe.LRange(ctx, scheduler.KeyItems, 0, -1)
	pipe.LTrim(ctx, scheduler.KeyItems, 1, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	raw := rangeCmd.Val()
	items := make([]backend.Item, 0, len(raw))
	for _, payload := range raw {
		var item backend.Item
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			h.log.Warn("dropping malformed item payload", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
