// Package audio computes a normalized microphone energy level from a live
// audio source.
package audio

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/media"
	"github.com/examguard/proctor/internal/models"
)

// DefaultCadence approximates a render-loop sampling rate. Consumers must
// tolerate a bursty callback rate and throttle expensive downstream work
// themselves; the monitor makes no batching guarantee.
const DefaultCadence = 33 * time.Millisecond

// Monitor continuously samples mean frequency-bin energy from a microphone
// stream, normalized to [0,1]. One monitor per session; Start while running
// is a no-op.
type Monitor struct {
	cadence time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	src     media.AudioSource
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates an audio level monitor. cadence <= 0 selects
// DefaultCadence.
func NewMonitor(cadence time.Duration, logger *zap.Logger) *Monitor {
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cadence: cadence, logger: logger}
}

// Start begins continuous sampling, delivering every sample to onSample from
// the monitor goroutine.
func (m *Monitor) Start(src media.AudioSource, onSample func(models.AudioSample)) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.src = src
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go m.run(src, onSample, stop, done)
}

func (m *Monitor) run(src media.AudioSource, onSample func(models.AudioSample), stop, done chan struct{}) {
	defer close(done)

	bins := make([]byte, src.BinCount())
	ticker := time.NewTicker(m.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := src.ReadBins(bins)
			if err != nil || n == 0 {
				// transient read failure; keep ticking
				continue
			}
			sum := 0
			for _, v := range bins[:n] {
				sum += int(v)
			}
			level := float64(sum) / float64(n) / 255
			onSample(models.AudioSample{CapturedAt: time.Now(), Level: level})
		}
	}
}

// Stop halts sampling and closes the underlying audio graph. Leaving the
// graph to the garbage collector is not an option: unclosed contexts pile up
// against a finite OS audio-device budget. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	src := m.src
	m.src = nil
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	if src != nil {
		if err := src.Close(); err != nil {
			// double-close and friends are tolerated as no-ops
			m.logger.Debug("audio graph close", zap.Error(err))
		}
	}
}
