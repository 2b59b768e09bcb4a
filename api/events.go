package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alexcraviotto/next-task-manager-sub000/domain"
)

// EventSink receives change events for downstream consumers.
type EventSink interface {
	EnqueueEvents(ctx context.Context, events []domain.ChangeEvent) error
}

type publishJob struct {
	events []domain.ChangeEvent
}

var (
	publisherOnce  sync.Once
	publishJobs    chan publishJob
	publishTimeout time.Duration
	handoffTimeout time.Duration
	publisherBg    = context.Background()
	globalSink     EventSink
	globalLog      *log.Logger
	publisherWG    sync.WaitGroup
)

// shutdownEventPublisher stops worker goroutines and clears shared state.
// It is intended for tests.
func shutdownEventPublisher() {
	if publishJobs != nil {
		close(publishJobs)
		publishJobs = nil
	}

	publisherWG.Wait()

	globalSink = nil
	globalLog = nil
	publishTimeout = 0
	handoffTimeout = 0
	publisherOnce = sync.Once{}
	publisherWG = sync.WaitGroup{}
}

func initEventPublisher(sink EventSink, logger *log.Logger) {
	publisherOnce.Do(func() {
		if logger == nil {
			panic("logger is not initialized")
		}
		globalSink = sink
		globalLog = logger

		workers := envInt("EVENT_WORKERS", 8)
		buffer := envInt("EVENT_BUFFER", 1024)
		publishTimeout = envDur("EVENT_PUBLISH_TIMEOUT", 30*time.Second)
		handoffTimeout = envDur("EVENT_HANDOFF_TIMEOUT", 10*time.Millisecond)

		publishJobs = make(chan publishJob, buffer)
		for i := 0; i < workers; i++ {
			publisherWG.Add(1)
			go publishWorker(i, publishJobs)
		}
		globalLog.Infof("event publisher started, workers: %d, buffer: %d, timeout: %v", workers, buffer, publishTimeout)
	})
}

func publishWorker(id int, jobCh <-chan publishJob) {
	defer publisherWG.Done()
	for j := range jobCh {
		ctx, cancel := context.WithTimeout(publisherBg, publishTimeout)
		err := globalSink.EnqueueEvents(ctx, j.events)
		cancel()
		if err != nil {
			globalLog.Errorf("event publish failed, err: %v, count: %d, worker: %d", err, len(j.events), id)
		}
	}
}

// publishEvents hands the events to the worker pool; when the pool is
// saturated or not running, it publishes inline. Events are best-effort
// notifications, so a failed publish is logged, never surfaced.
func publishEvents(events ...domain.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	job := publishJob{events: events}
	if tryPublishJob(job) {
		return
	}

	if globalSink == nil {
		return
	}
	if globalLog != nil {
		globalLog.Warn("event publisher saturated; publishing inline")
	}
	ctx, cancel := context.WithTimeout(publisherBg, publishTimeout)
	defer cancel()
	if err := globalSink.EnqueueEvents(ctx, job.events); err != nil && globalLog != nil {
		globalLog.Errorf("inline event publish failed: %v", err)
	}
}

func tryPublishJob(job publishJob) bool {
	if publishJobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(publishJobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(publishJobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan publishJob, job publishJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan publishJob, job publishJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
