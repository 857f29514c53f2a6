package fraud

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
)

const (
	defaultQueueSize  = 256
	evaluationTimeout = 10 * time.Second
)

// Dispatcher decouples fraud evaluation from the scan response. Enqueue
// never blocks and evaluation failures are logged, never surfaced to the
// scan caller.
type Dispatcher struct {
	detector *Detector
	queue    chan domain.ScanEvent
	done     chan struct{}
	once     sync.Once
	logf     func(format string, args ...any)
}

// NewDispatcher starts the background evaluation loop.
func NewDispatcher(detector *Detector, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		detector: detector,
		queue:    make(chan domain.ScanEvent, queueSize),
		done:     make(chan struct{}),
		logf:     log.Printf,
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for scan := range d.queue {
		// The scan caller may be long gone; evaluation runs on its own
		// deadline, detached from any request context.
		ctx, cancel := context.WithTimeout(context.Background(), evaluationTimeout)
		if err := d.detector.Evaluate(ctx, scan); err != nil {
			d.logf("fraud evaluation for scan %s: %v", scan.ID, err)
		}
		cancel()
	}
}

// Enqueue schedules evaluation for a recorded scan. If the queue is full the
// evaluation is dropped with a log line rather than blocking the caller.
func (d *Dispatcher) Enqueue(scan domain.ScanEvent) {
	if d == nil {
		return
	}
	select {
	case d.queue <- scan:
	default:
		d.logf("fraud queue full, dropping evaluation for scan %s", scan.ID)
	}
}

// Close drains pending evaluations and stops the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		close(d.queue)
	})
	<-d.done
}
