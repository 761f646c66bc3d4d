package runtime

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// lane is an unbounded FIFO of jobs drained by a fixed set of goroutines.
type lane struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
	wg     sync.WaitGroup
}

func newLane(name string, workers int, logger *zap.Logger) *lane {
	l := &lane{name: name, logger: logger}
	l.cond = sync.NewCond(&l.mu)
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker(i)
	}
	return l
}

func (l *lane) push(job func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.jobs = append(l.jobs, job)
	l.cond.Signal()
	return nil
}

func (l *lane) worker(id int) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		for len(l.jobs) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.jobs) == 0 {
			l.mu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		l.mu.Unlock()

		l.run(id, job)
	}
}

func (l *lane) run(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Job panicked",
				zap.String("lane", l.name),
				zap.Int("worker", id),
				zap.Any("panic", r),
			)
		}
	}()
	job()
}

// close stops accepting jobs and waits for queued ones to finish.
func (l *lane) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	l.wg.Wait()
}

// Pool runs jobs on a fixed number of goroutines, with a separate set of
// goroutines for blocking jobs.
type Pool struct {
	tracker
	clock    Clock
	async    *lane
	blocking *lane
}

func NewPool(workers, blockingWorkers int, opts ...Option) *Pool {
	o := buildOptions(opts)
	return &Pool{
		clock:    o.clock,
		async:    newLane("async", workers, o.logger),
		blocking: newLane("blocking", blockingWorkers, o.logger),
	}
}

func (p *Pool) Schedule(job func()) error {
	return p.push(p.async, job)
}

func (p *Pool) ScheduleBlocking(job func()) error {
	return p.push(p.blocking, job)
}

func (p *Pool) push(l *lane, job func()) error {
	wrapped := p.wrap(job)
	if err := l.push(wrapped); err != nil {
		p.outstanding.Add(-1)
		return err
	}
	return nil
}

func (p *Pool) Now() time.Time {
	return p.clock.Now()
}

func (p *Pool) AfterFunc(d time.Duration, f func()) func() bool {
	return afterFunc(p.clock, d, f)
}

func (p *Pool) Close() error {
	p.async.close()
	p.blocking.close()
	return nil
}

// Cooperative interleaves jobs on a single executor goroutine. Jobs run to
// completion one at a time in submission order, so a job that schedules more
// work never runs it re-entrantly. Blocking jobs are handed to a helper lane
// and never hold the executor.
type Cooperative struct {
	tracker
	clock    Clock
	loop     *lane
	blocking *lane
}

func NewCooperative(blockingWorkers int, opts ...Option) *Cooperative {
	o := buildOptions(opts)
	return &Cooperative{
		clock:    o.clock,
		loop:     newLane("loop", 1, o.logger),
		blocking: newLane("blocking", blockingWorkers, o.logger),
	}
}

func (c *Cooperative) Schedule(job func()) error {
	wrapped := c.wrap(job)
	if err := c.loop.push(wrapped); err != nil {
		c.outstanding.Add(-1)
		return err
	}
	return nil
}

func (c *Cooperative) ScheduleBlocking(job func()) error {
	wrapped := c.wrap(job)
	if err := c.blocking.push(wrapped); err != nil {
		c.outstanding.Add(-1)
		return err
	}
	return nil
}

func (c *Cooperative) Now() time.Time {
	return c.clock.Now()
}

func (c *Cooperative) AfterFunc(d time.Duration, f func()) func() bool {
	return afterFunc(c.clock, d, f)
}

func (c *Cooperative) Close() error {
	c.loop.close()
	c.blocking.close()
	return nil
}
