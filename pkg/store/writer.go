package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// errStoreClosed is returned for writes submitted after Close
var errStoreClosed = errors.New("store is closed")

// slowWrite is the duration after which a write is logged as slow
const slowWrite = time.Second

type writeJob struct {
	name   string
	run    func() error
	result chan error
}

// writer serializes every statement that modifies the database onto one
// goroutine, so concurrent schedule runs never race for the SQLite lock.
type writer struct {
	jobs    chan writeJob
	closing chan struct{}
	stopped chan struct{}
	log     *zap.Logger
}

func startWriter(log *zap.Logger, backlog int) *writer {
	w := &writer{
		jobs:    make(chan writeJob, backlog),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log,
	}
	go w.loop()
	return w
}

func (w *writer) loop() {
	defer close(w.stopped)
	for {
		select {
		case job := <-w.jobs:
			w.exec(job)
		case <-w.closing:
			// finish what was accepted before Close
			for {
				select {
				case job := <-w.jobs:
					w.exec(job)
				default:
					return
				}
			}
		}
	}
}

func (w *writer) exec(job writeJob) {
	start := time.Now()
	err := job.run()
	if d := time.Since(start); d > slowWrite {
		w.log.Warn("Slow write", zap.String("op", job.name), zap.Duration("elapsed", d))
	}
	job.result <- err
}

// do runs fn on the writer goroutine and waits for its result
func (w *writer) do(name string, fn func() error) error {
	job := writeJob{name: name, run: fn, result: make(chan error, 1)}

	select {
	case <-w.closing:
		return errStoreClosed
	default:
	}
	select {
	case w.jobs <- job:
	case <-w.closing:
		return errStoreClosed
	}

	select {
	case err := <-job.result:
		return err
	case <-w.stopped:
		select {
		case err := <-job.result:
			return err
		default:
			return context.Canceled
		}
	}
}

func (w *writer) stop() {
	select {
	case <-w.closing:
	default:
		close(w.closing)
	}
	<-w.stopped
}
