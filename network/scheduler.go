package network

import (
	"errors"
	"log"
	"sync"
	"time"
)

const (
	// DefaultQueueDepth bounds how many binary broadcast jobs may be pending.
	DefaultQueueDepth = 4
	// DefaultChunkBuffer bounds buffered chunks per in-flight job. A full
	// buffer blocks the sender's read loop, pushing flow control back to
	// the producing client over TCP.
	DefaultChunkBuffer = 8
)

// broadcastTarget is one destination of a binary fan-out.
type broadcastTarget interface {
	Key() string
	SendBinary(frame []byte) error
}

// SchedulerOptions configures the binary broadcast scheduler.
type SchedulerOptions struct {
	QueueDepth  int
	ChunkBuffer int
	// Staleness abandons an in-flight job whose chunk stream stalls.
	Staleness time.Duration
	Logger    *log.Logger

	// Targets snapshots the current connection set before each chunk.
	Targets func() []broadcastTarget
	// OnTransferBegin fires once per job before its first byte goes out.
	OnTransferBegin func(meta TransferMeta)
	// OnTransferEnd fires once per job after its terminal chunk has been
	// attempted toward every target, timed-out peers included.
	OnTransferEnd func(transferID string)
}

type schedChunk struct {
	index int
	frame []byte
}

type broadcastJob struct {
	id        string
	meta      TransferMeta
	chunks    chan schedChunk
	cancel    chan struct{}
	createdAt time.Time
}

// Scheduler serializes binary broadcast jobs: one job per transfer id,
// single-flight draining, bounded pending queue with oldest-pending eviction.
// Chunks arriving for a queued or in-flight transfer are appended to its job
// so a transfer can never queue twice behind itself.
type Scheduler struct {
	options SchedulerOptions

	mu      sync.Mutex
	queue   []*broadcastJob
	jobs    map[string]*broadcastJob
	dropped map[string]time.Time

	wake chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler and starts its drain loop.
func NewScheduler(options SchedulerOptions) *Scheduler {
	if options.QueueDepth < 1 {
		options.QueueDepth = DefaultQueueDepth
	}
	if options.ChunkBuffer < 1 {
		options.ChunkBuffer = DefaultChunkBuffer
	}
	if options.Staleness <= 0 {
		options.Staleness = DefaultReassemblyStaleness
	}
	if options.Logger == nil {
		options.Logger = log.Default()
	}

	s := &Scheduler{
		options: options,
		jobs:    make(map[string]*broadcastJob),
		dropped: make(map[string]time.Time),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.drainLoop()
	return s
}

// Close stops the drain loop. In-flight sends finish or time out on their own.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
	})
}

// EnqueueChunk routes one encoded chunk frame into its transfer's job,
// creating the job on first sight. The call blocks while the job's chunk
// buffer is full, which is the intended backpressure toward the sender.
// Chunks for evicted or finished transfers are dropped silently.
func (s *Scheduler) EnqueueChunk(meta TransferMeta, frame []byte) {
	now := time.Now()

	s.mu.Lock()
	for id, at := range s.dropped {
		if now.Sub(at) > s.options.Staleness {
			delete(s.dropped, id)
		}
	}
	if _, gone := s.dropped[meta.ID]; gone {
		s.mu.Unlock()
		return
	}

	job := s.jobs[meta.ID]
	if job == nil {
		job = &broadcastJob{
			id:        meta.ID,
			meta:      meta,
			chunks:    make(chan schedChunk, s.options.ChunkBuffer),
			cancel:    make(chan struct{}),
			createdAt: now,
		}
		s.jobs[meta.ID] = job
		s.queue = append(s.queue, job)

		if len(s.queue) > s.options.QueueDepth {
			victim := s.queue[0]
			s.queue = s.queue[1:]
			delete(s.jobs, victim.id)
			s.dropped[victim.id] = now
			close(victim.cancel)
			s.options.Logger.Printf("broadcast queue full, dropped pending transfer %s", victim.id)
		}
	}
	s.mu.Unlock()

	select {
	case job.chunks <- schedChunk{index: meta.ChunkIndex, frame: frame}:
		select {
		case s.wake <- struct{}{}:
		default:
		}
	case <-job.cancel:
	case <-s.closed:
	}
}

// PendingJobs returns the number of queued (not yet draining) jobs.
func (s *Scheduler) PendingJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) drainLoop() {
	defer s.wg.Done()

	for {
		job := s.nextJob()
		if job == nil {
			return
		}
		completed := s.drainJob(job)
		s.retireJob(job)
		if completed && s.options.OnTransferEnd != nil {
			s.options.OnTransferEnd(job.id)
		}
	}
}

func (s *Scheduler) nextJob() *broadcastJob {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			job := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return job
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.closed:
			return nil
		}
	}
}

// drainJob forwards chunks to every target until the terminal chunk has been
// attempted everywhere. A target that times out is skipped for the remainder
// of this job only, so one slow peer delays nothing but its own copy.
func (s *Scheduler) drainJob(job *broadcastJob) bool {
	if s.options.OnTransferBegin != nil {
		s.options.OnTransferBegin(job.meta)
	}

	skipped := make(map[string]bool)
	stale := time.NewTimer(s.options.Staleness)
	defer stale.Stop()

	for {
		select {
		case chunk := <-job.chunks:
			for _, target := range s.options.Targets() {
				if skipped[target.Key()] {
					continue
				}
				if err := target.SendBinary(chunk.frame); err != nil {
					skipped[target.Key()] = true
					if errors.Is(err, ErrPeerTimeout) {
						s.options.Logger.Printf("transfer %s: peer %s too slow, abandoning its copy", job.id, target.Key())
					}
				}
			}
			if chunk.index >= job.meta.TotalChunks-1 {
				return true
			}

			if !stale.Stop() {
				select {
				case <-stale.C:
				default:
				}
			}
			stale.Reset(s.options.Staleness)
		case <-stale.C:
			s.options.Logger.Printf("transfer %s: chunk stream stalled, abandoning job", job.id)
			return false
		case <-s.closed:
			return false
		}
	}
}

func (s *Scheduler) retireJob(job *broadcastJob) {
	s.mu.Lock()
	delete(s.jobs, job.id)
	s.dropped[job.id] = time.Now()
	s.mu.Unlock()
	close(job.cancel)
}
