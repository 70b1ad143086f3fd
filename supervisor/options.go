package supervisor

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhi-project/nhi/emit"
	"github.com/nhi-project/nhi/journal"
)

// Option is a functional option for configuring a Supervisor.
//
// Options override the loaded Config where both speak to the same knob:
//
//	sup, err := supervisor.New(cfg,
//	    supervisor.WithEmitter(emit.NewLogEmitter(os.Stdout, true)),
//	    supervisor.WithMetrics(supervisor.NewMetrics(registry)),
//	    supervisor.WithShadowSyncInterval(10*time.Second),
//	)
type Option func(*Supervisor)

// WithEmitter sets the observability event sink. Default: NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(s *Supervisor) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithMetrics attaches a Prometheus metrics collector; lifecycle events
// feed it automatically.
func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithJournal sets the operation history backend, overriding the
// config-selected SQLite/MySQL journal.
func WithJournal(j journal.Journal) Option {
	return func(s *Supervisor) {
		if j != nil {
			s.journal = j
		}
	}
}

// WithLogger sets the daemon logger. Default: a logger honoring the
// config log level on stderr.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// WithShadowSyncInterval overrides the replication tick period.
func WithShadowSyncInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.cfg.ShadowSyncInterval = Duration(d)
		}
	}
}

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.cfg.HeartbeatInterval = Duration(d)
		}
	}
}

// WithMigrationTimeout overrides the end-to-end migration deadline.
func WithMigrationTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.cfg.MigrationTimeout = Duration(d)
		}
	}
}

// WithStopGrace overrides the SIGTERM-to-SIGKILL window.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.cfg.StopGrace = Duration(d)
		}
	}
}

// WithSpawnTimeout overrides the spawn deadline.
func WithSpawnTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.cfg.SpawnTimeout = Duration(d)
		}
	}
}

// WithChunkTimeout overrides the transfer receiver's inter-message
// timeout.
func WithChunkTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.cfg.ChunkTimeout = Duration(d)
		}
	}
}
