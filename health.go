package pgguard

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthStatus represents the supervisor health status
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	State        string        `json:"state"`
	Reconnecting bool          `json:"reconnecting"`
	Generation   uint64        `json:"generation"`
	Episodes     uint64        `json:"episodes"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	BackendPID   uint32        `json:"backend_pid,omitempty"`
	PoolStats    PoolStats     `json:"pool_stats"`
}

// PoolStats contains connection pool statistics
type PoolStats struct {
	MaxConns                int32         `json:"max_conns"`
	TotalConns              int32         `json:"total_conns"`
	AcquiredConns           int32         `json:"acquired_conns"`
	IdleConns               int32         `json:"idle_conns"`
	ConstructingConns       int32         `json:"constructing_conns"`
	AcquireCount            int64         `json:"acquire_count"`
	AcquireDuration         time.Duration `json:"acquire_duration"`
	EmptyAcquireCount       int64         `json:"empty_acquire_count"`
	CanceledAcquireCount    int64         `json:"canceled_acquire_count"`
	NewConnsCount           int64         `json:"new_conns_count"`
	MaxLifetimeDestroyCount int64         `json:"max_lifetime_destroy_count"`
	MaxIdleDestroyCount     int64         `json:"max_idle_destroy_count"`
}

// Health performs a health check with detailed status. A degraded
// supervisor reports its state without touching the network.
func (s *Supervisor) Health(ctx context.Context) HealthStatus {
	h := s.handle.Load()
	status := HealthStatus{
		State:        s.State().String(),
		Reconnecting: s.reconnecting.Load(),
		Episodes:     s.episodes.Load(),
	}
	if h != nil {
		status.Generation = h.Generation()
	}

	if !s.IsAvailable() || h == nil {
		status.RetryAfter = s.retryAfterHint()
		status.Error = ErrServiceDegraded.Error()
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	pid, err := h.pool.Probe(ctx)
	status.Latency = time.Since(start)
	status.PoolStats = h.pool.Stat()

	if err != nil {
		s.observe(h, err, 0)
		status.Error = err.Error()
		status.State = s.State().String()
		return status
	}

	status.Healthy = true
	status.BackendPID = pid
	return status
}

// IsHealthy returns true if the database is reachable
func (s *Supervisor) IsHealthy(ctx context.Context) bool {
	return s.Health(ctx).Healthy
}

// PoolStatsFromPgx converts pgxpool statistics to PoolStats
func PoolStatsFromPgx(stats *pgxpool.Stat) PoolStats {
	return PoolStats{
		MaxConns:                stats.MaxConns(),
		TotalConns:              stats.TotalConns(),
		AcquiredConns:           stats.AcquiredConns(),
		IdleConns:               stats.IdleConns(),
		ConstructingConns:       stats.ConstructingConns(),
		AcquireCount:            stats.AcquireCount(),
		AcquireDuration:         stats.AcquireDuration(),
		EmptyAcquireCount:       stats.EmptyAcquireCount(),
		CanceledAcquireCount:    stats.CanceledAcquireCount(),
		NewConnsCount:           stats.NewConnsCount(),
		MaxLifetimeDestroyCount: stats.MaxLifetimeDestroyCount(),
		MaxIdleDestroyCount:     stats.MaxIdleDestroyCount(),
	}
}
