package handler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mocktail/internal/ctxkeys"
	"mocktail/internal/logger"
	"mocktail/internal/metrics"
	"mocktail/pkg/model"
)

const (
	defaultReportQueue   = 256
	defaultReportTimeout = 5 * time.Second
)

type reportJob struct {
	event model.InterceptEvent
	count int64
}

// reportQueue 单 goroutine 按入队顺序投递上报，队列满时丢弃
type reportQueue struct {
	sink    Reporter
	log     logger.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan reportJob
	done   chan struct{}
}

func newReportQueue(sink Reporter, size int, l logger.Logger, m *metrics.Metrics) *reportQueue {
	if size <= 0 {
		size = defaultReportQueue
	}
	q := &reportQueue{
		sink:    sink,
		log:     l,
		metrics: m,
		timeout: defaultReportTimeout,
		jobs:    make(chan reportJob, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// enqueue 非阻塞入队，返回是否成功
func (q *reportQueue) enqueue(job reportJob) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		q.log.Warn("上报队列已满，丢弃拦截事件", "url", job.event.URL, "rule", job.event.RuleName)
		q.metrics.ObserveReportDropped()
		return false
	}
}

func (q *reportQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		q.deliver(job)
	}
}

func (q *reportQueue) deliver(job reportJob) {
	if q.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctxkeys.WithTraceID(context.Background(), uuid.NewString()), q.timeout)
	defer cancel()

	if err := q.sink.ReportIntercept(ctx, job.event); err != nil {
		q.log.Err(err, "上报拦截事件失败", "url", job.event.URL, "traceId", ctxkeys.TraceID(ctx))
		q.metrics.ObserveReportError("intercept")
	}
	if err := q.sink.ReportCount(ctx, job.count); err != nil {
		q.log.Err(err, "上报拦截计数失败", "count", job.count, "traceId", ctxkeys.TraceID(ctx))
		q.metrics.ObserveReportError("count")
	}
}

// close 停止接收新任务并等待已入队任务投递完毕
func (q *reportQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	<-q.done
}
