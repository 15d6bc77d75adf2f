// Package scheduler runs fetch jobs on redis-backed queues.
//
// Jobs enter on the creation queue when a repository is registered and on
// the update queue afterwards. Workers pop payloads, execute the fetch and
// publish a completion event on a pub/sub channel; the scheduler listens
// on that channel and re-enqueues every finished job after a delay, with
// the fetch window advanced past the items already seen.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofrs/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.com/slon/harvest/datetime"
	"gitlab.com/slon/harvest/ratelimit"
	"gitlab.com/slon/harvest/repository"
)

// Redis keys shared by the scheduler and the orchestrator.
const (
	QueueCreate = "hv:queue:create"
	QueueUpdate = "hv:queue:update"
	KeyItems    = "hv:items"
	ChannelJobs = "hv:jobs"
)

// NotFoundError is returned when a job is scheduled on an unknown queue.
type NotFoundError struct {
	Element string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Element)
}

const (
	defaultWorkers     = 4
	defaultUpdateDelay = 10 * time.Second
	popTimeout         = time.Second
)

// Options configure a Scheduler. Zero values fall back to defaults; rate
// limiting is off unless both MaxJobs and Interval are set.
type Options struct {
	Workers     int
	UpdateDelay time.Duration
	MaxJobs     int
	Interval    time.Duration
	Logger      *zap.Logger
	Clock       clockwork.Clock
}

// Scheduler owns the job queues of one redis database.
type Scheduler struct {
	conn    redis.UniversalClient
	log     *zap.Logger
	clock   clockwork.Clock
	limiter *ratelimit.Limiter

	workers     int
	updateDelay time.Duration
}

func New(conn redis.UniversalClient, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.UpdateDelay <= 0 {
		opts.UpdateDelay = defaultUpdateDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	s := &Scheduler{
		conn:        conn,
		log:         opts.Logger.Named("scheduler"),
		clock:       opts.Clock,
		workers:     opts.Workers,
		updateDelay: opts.UpdateDelay,
	}
	if opts.MaxJobs > 0 && opts.Interval > 0 {
		s.limiter = ratelimit.NewLimiter(opts.MaxJobs, opts.Interval)
	}
	return s
}

// AddJob enqueues a fetch job for repo on the given queue. The repository
// args entries cache_fetch and from_date configure the job itself and are
// not passed through to the backend.
func (s *Scheduler) AddJob(ctx context.Context, queueID string, repo *repository.Repository) (*Job, error) {
	if queueID != QueueCreate && queueID != QueueUpdate {
		return nil, &NotFoundError{Element: queueID}
	}

	args := make(map[string]interface{}, len(repo.Args))
	for k, v := range repo.Args {
		args[k] = v
	}
	cacheFetch, _ := args["cache_fetch"].(bool)
	delete(args, "cache_fetch")
	delete(args, "cache")

	job := Job{
		ID:         uuid.Must(uuid.NewV4()).String(),
		Origin:     repo.Origin,
		Backend:    repo.Backend,
		Args:       args,
		CachePath:  repo.CachePath,
		CacheFetch: cacheFetch,
	}
	if fd, ok := args["from_date"].(string); ok {
		delete(args, "from_date")
		from, err := datetime.StrToDatetime(fd)
		if err != nil {
			return nil, err
		}
		job.FromDate = &from
	}

	if err := s.enqueue(ctx, queueID, job); err != nil {
		return nil, err
	}
	s.log.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("origin", job.Origin),
		zap.String("queue", queueID))
	return &job, nil
}

// Run blocks executing jobs and rescheduling finished ones until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error { return s.runWorker(ctx) })
	}
	g.Go(func() error { return s.reschedule(ctx) })
	return g.Wait()
}

func (s *Scheduler) enqueue(ctx context.Context, queueID string, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.conn.RPush(ctx, queueID, payload).Err()
}

func (s *Scheduler) runWorker(ctx context.Context) error {
	for {
		res, err := s.conn.BLPop(ctx, popTimeout, QueueCreate, QueueUpdate).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// таймаут, обе очереди пусты
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(popTimeout):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			s.log.Warn("dropping malformed job payload", zap.Error(err))
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		s.execute(ctx, job)
	}
}

// execute runs one job and publishes its completion event.
func (s *Scheduler) execute(ctx context.Context, job Job) {
	s.log.Debug("running job",
		zap.String("job_id", job.ID),
		zap.String("origin", job.Origin),
		zap.String("backend", job.Backend))

	ev := Event{JobID: job.ID, Job: job}
	result, err := s.runJob(ctx, job)
	if err != nil {
		ev.Status, ev.Error = StatusFailed, err.Error()
		metricJobsFailed.Inc()
		s.log.Warn("job failed", s.jobFields(job, err)...)
	} else {
		ev.Status, ev.Result = StatusFinished, result
		metricJobsDone.Inc()
		s.log.Debug("job completed",
			zap.String("job_id", job.ID),
			zap.String("origin", job.Origin),
			zap.Int("nitems", result.NItems))
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("marshaling job event failed", s.jobFields(job, err)...)
		return
	}
	if err := s.conn.Publish(ctx, ChannelJobs, payload).Err(); err != nil {
		s.log.Warn("publishing job event failed", s.jobFields(job, err)...)
	}
}

// reschedule listens for completion events and re-enqueues finished jobs
// on the update queue after the configured delay.
func (s *Scheduler) reschedule(ctx context.Context) error {
	pubsub := s.conn.Subscribe(ctx, ChannelJobs)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn("dropping malformed job event", zap.Error(err))
				continue
			}

			switch ev.Status {
			case StatusFailed:
				s.log.Debug("job failed, not rescheduling", zap.String("job_id", ev.JobID))
			case StatusFinished:
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.clock.After(s.updateDelay):
				}
				next := NextJob(ev)
				if err := s.enqueue(ctx, QueueUpdate, next); err != nil {
					s.log.Warn("rescheduling failed", s.jobFields(next, err)...)
					continue
				}
				s.log.Debug("job rescheduled",
					zap.String("job_id", next.ID),
					zap.String("origin", next.Origin))
			}
		}
	}
}

// NextJob derives the follow-up update job from a finished one: the next
// fetch is incremental from the newest item seen and never replays the
// cache.
func NextJob(ev Event) Job {
	job := ev.Job
	job.ID = uuid.Must(uuid.NewV4()).String()
	job.CacheFetch = false
	job.CachePath = ""

	if ev.Result != nil && ev.Result.NItems > 0 {
		if from, err := datetime.UnixTimeToDatetime(ev.Result.MaxDate); err == nil {
			job.FromDate = &from
		}
		if ev.Result.Offset != nil {
			job.Offset = ev.Result.Offset
		}
	}
	return job
}

func (s *Scheduler) jobFields(job Job, err error) []zap.Field {
	return []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("origin", job.Origin),
		zap.String("backend", job.Backend),
		zap.Error(err),
	}
}
