package scheduler

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

var tickDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "loom_analytics_ingester_schedule_tick_latency_seconds",
		Help:    "Scheduled handler latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	},
	[]string{"schedule"},
)

// Options configures a single schedule. Either Expression (standard 5-field cron,
// evaluated in Location) or a positive Interval must be supplied; Expression wins
// when both are set.
type Options struct {
	Interval   time.Duration
	Expression string
	Location   *time.Location
	RunOnInit  bool
}

// Handle controls one running schedule.
type Handle struct {
	label    string
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Schedule invokes handler repeatedly according to opts until Stop is called.
// Each invocation runs to completion before the next wait begins, so ticks of the
// same schedule never overlap locally. Cross-instance exclusion is not this
// package's concern.
func Schedule(label string, handler func(), opts Options) (*Handle, error) {
	var cronSchedule cron.Schedule
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	if opts.Expression != "" {
		parsed, err := cron.ParseStandard(opts.Expression)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cron expression for schedule %s", label)
		}
		cronSchedule = parsed
	} else if opts.Interval <= 0 {
		return nil, errors.Errorf("schedule %s requires a cron expression or a positive interval", label)
	}

	h := &Handle{
		label: label,
		stop:  make(chan struct{}),
	}
	observer := tickDurationHist.WithLabelValues(label)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if opts.RunOnInit {
			invoke(handler, observer)
		}
		for {
			var wait time.Duration
			if cronSchedule != nil {
				wait = time.Until(cronSchedule.Next(time.Now().In(location)))
			} else {
				wait = opts.Interval
			}
			select {
			case <-h.stop:
				return
			case <-time.After(wait):
				invoke(handler, observer)
			}
		}
	}()
	return h, nil
}

// Stop halts future ticks and waits for any in-flight handler invocation to
// finish. It does not abort a running handler. Safe to call more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		log.WithField("schedule", h.label).Info("Schedule stopped")
	})
	h.wg.Wait()
}

func invoke(handler func(), observer prometheus.Observer) {
	start := time.Now()
	handler()
	observer.Observe(time.Since(start).Seconds())
}
