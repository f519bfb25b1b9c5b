package lim

import (
	"pastabin/metrics"
	"pastabin/svc/util"
	"sync"
	"time"
)

// AnomalyDetector keeps per-minute request and error counts over a sliding
// window and fires onAnomaly when the error rate crosses threshold percent.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	threshold    float64
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(windowSize int, threshold float64, onAnomaly func()) *AnomalyDetector {
	if windowSize <= 0 {
		windowSize = 5
	}
	return &AnomalyDetector{
		window:    make([]bucket, windowSize),
		threshold: threshold,
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}
func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.currentIndex].requests++
	d.mu.Unlock()
}
func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.currentIndex].errors++
	d.mu.Unlock()
}

// ErrorRate is the percentage of errors over the whole window.
func (d *AnomalyDetector) ErrorRate() (float64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errorRateLocked()
}
func (d *AnomalyDetector) errorRateLocked() (float64, int64) {
	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	if reqs == 0 {
		return 0, 0
	}
	return float64(errs) / float64(reqs) * 100.0, reqs
}
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	rate, reqs := d.errorRateLocked()
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()
	metrics.RecentErrorRatePercent.Set(rate)
	if reqs > 10 && rate > d.threshold {
		util.Warn().
			Float64("error_rate", rate).
			Int64("total_reqs", reqs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
