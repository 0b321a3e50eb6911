// Package monitor samples relay statistics periodically and hands each
// sample to the log, an optional status file, InfluxDB and the database.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/feltcanvas/felt/internal/influx"
	"github.com/feltcanvas/felt/internal/model"
	"github.com/feltcanvas/felt/internal/relay"
)

// DefaultInterval is used when Dependencies.Interval is not set.
const DefaultInterval = 30 * time.Second

// StatsSource reports relay statistics. *relay.Server satisfies it.
type StatsSource interface {
	Stats() relay.Stats
}

// StatusRecorder stores status samples. The gorm storage backend satisfies it.
type StatusRecorder interface {
	RecordStatus(status *model.RelayStatus) error
}

// PointWriter ships points to a metrics store. *influx.Manager satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Relay    StatsSource
	Logger   *slog.Logger
	Interval time.Duration
	Instance string

	// Optional sinks
	Influx     PointWriter
	Recorder   StatusRecorder
	StatusFile string
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
	last      *model.RelayStatus
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Last returns the most recent sample, nil before the first one.
func (s *Service) Last() *model.RelayStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// GetStatus converts the relay statistics into a status sample.
func (s *Service) GetStatus() *model.RelayStatus {
	st := s.deps.Relay.Stats()
	return &model.RelayStatus{
		Time:           time.Now().UTC(),
		Sessions:       st.Sessions,
		Members:        st.Members,
		Shapes:         st.Shapes,
		Ops:            st.Ops,
		DroppedWrites:  st.DroppedWrites,
		Rejected:       st.Rejected,
		Signals:        st.Signals,
		SignalsDropped: st.SignalsDropped,
		Kicked:         st.Kicked,
		PersistErrors:  st.PersistErrors,
		PersistPending: st.PersistPending,
	}
}

// Sample takes one status sample and writes it to every configured sink.
// Sink failures are logged and do not stop the others.
func (s *Service) Sample(ctx context.Context) *model.RelayStatus {
	status := s.GetStatus()
	logger := s.deps.Logger

	logger.Info("Relay status",
		"sessions", status.Sessions,
		"members", status.Members,
		"shapes", status.Shapes,
		"ops", status.Ops,
		"signals", status.Signals,
		"signalsDropped", status.SignalsDropped,
		"persistPending", status.PersistPending,
	)

	if s.deps.StatusFile != "" {
		if err := writeStatusFile(s.deps.StatusFile, status); err != nil {
			logger.Error("Error writing status file", "error", err)
		}
	}

	if s.deps.Influx != nil {
		if err := s.deps.Influx.WritePoint(ctx, influx.StatusPoint(s.deps.Instance, status)); err != nil {
			logger.Error("Error writing status to InfluxDB", "error", err)
		}
	}

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.RecordStatus(status); err != nil {
			logger.Error("Error writing status to database", "error", err)
		}
	}

	s.mu.Lock()
	s.last = status
	s.mu.Unlock()
	return status
}

func writeStatusFile(path string, status *model.RelayStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			close(done)
		}()

		s.deps.Logger.Debug("Starting status monitor", "interval", s.deps.Interval)
		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Sample(context.Background())
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.done
	s.isRunning = false
	s.mu.Unlock()
	<-done
}
