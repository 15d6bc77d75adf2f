package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"gitlab.com/slon/harvest/backend"
	"gitlab.com/slon/harvest/cache"
)

// Job is the payload placed on a queue. Args configure the backend;
// FromDate makes the fetch incremental. When CacheFetch is set the job
// replays the cache at CachePath instead of hitting the origin.
type Job struct {
	ID         string                 `json:"id"`
	Origin     string                 `json:"origin"`
	Backend    string                 `json:"backend"`
	Args       map[string]interface{} `json:"args,omitempty"`
	FromDate   *time.Time             `json:"from_date,omitempty"`
	Offset     *int64                 `json:"offset,omitempty"`
	CachePath  string                 `json:"cache_path,omitempty"`
	CacheFetch bool                   `json:"cache_fetch,omitempty"`
}

// JobResult summarizes a completed fetch: how many items were produced,
// the UUID of the last one and the newest update date seen.
type JobResult struct {
	JobID    string  `json:"job_id"`
	Origin   string  `json:"origin"`
	Backend  string  `json:"backend"`
	LastUUID string  `json:"last_uuid,omitempty"`
	MaxDate  float64 `json:"max_date,omitempty"`
	NItems   int     `json:"nitems"`
	Offset   *int64  `json:"offset,omitempty"`
}

// Job statuses published on the jobs channel.
const (
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Event notifies subscribers that a job completed.
type Event struct {
	Status string     `json:"status"`
	JobID  string     `json:"job_id"`
	Job    Job        `json:"job"`
	Result *JobResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// runJob fetches the job's items and pushes them onto the storage list.
// Fresh fetches are written through to the job's cache; when the fetch
// fails mid-way the cache is recovered to its pre-job state.
func (s *Scheduler) runJob(ctx context.Context, job Job) (*JobResult, error) {
	if job.CacheFetch && job.CachePath == "" {
		return nil, errors.New("scheduler: cache fetch requested without a cache path")
	}

	var jobCache *cache.Cache
	if job.CachePath != "" {
		var err error
		jobCache, err = cache.New(job.CachePath)
		if err != nil {
			return nil, err
		}
		if !job.CacheFetch {
			if err := jobCache.Backup(); err != nil {
				return nil, err
			}
		}
	}

	var from time.Time
	if job.FromDate != nil {
		from = *job.FromDate
	}

	result := &JobResult{JobID: job.ID, Origin: job.Origin, Backend: job.Backend}

	items := make(chan backend.Item)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(items)
		if job.CacheFetch {
			return jobCache.Retrieve(gctx, items)
		}
		b, err := backend.Create(job.Backend, job.Origin, job.Args)
		if err != nil {
			return err
		}
		return b.Fetch(gctx, from, items)
	})
	g.Go(func() error {
		for item := range items {
			payload, err := json.Marshal(item)
			if err != nil {
				return err
			}
			if err := s.conn.RPush(gctx, KeyItems, payload).Err(); err != nil {
				return err
			}
			if jobCache != nil && !job.CacheFetch {
				if err := jobCache.Store(item); err != nil {
					return err
				}
			}
			result.NItems++
			result.LastUUID = item.UUID
			if item.UpdatedOn > result.MaxDate {
				result.MaxDate = item.UpdatedOn
			}
			if item.Offset != nil {
				result.Offset = item.Offset
			}
			metricItemsFetched.Inc()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if jobCache != nil && !job.CacheFetch {
			if rerr := jobCache.Recover(); rerr != nil {
				s.log.Warn("cache recovery failed", s.jobFields(job, rerr)...)
			}
		}
		return nil, err
	}
	return result, nil
}
