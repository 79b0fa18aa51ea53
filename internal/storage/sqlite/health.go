package sqlite

import (
	"context"
	"fmt"
	"os"
	"time"
)

// HealthReport describes the state of the checkpoint store
type HealthReport struct {
	Healthy       bool
	Latency       time.Duration
	SchemaVersion int
	DBSize        int64
	WALSize       int64
	SHMSize       int64
	OpenConns     int
	InUse         int
	WaitCount     int64
	Problems      []string
}

// walWarnSize is the WAL size past which checkpoints are probably being
// starved by a long-lived reader
const walWarnSize = 64 << 20

// HealthCheck runs a trivial query under a time bound and reports file
// sizes and pool pressure. A failing query is reported in the result, not
// returned as an error.
func (s *SQLiteStorage) HealthCheck(ctx context.Context, timeout time.Duration) (*HealthReport, error) {
	report := &HealthReport{}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	report.Latency = time.Since(start)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("query failed after %v: %v", report.Latency, err))
	} else if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&report.SchemaVersion); err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("schema version unreadable: %v", err))
	}

	report.DBSize = fileSize(s.path)
	report.WALSize = fileSize(s.path + "-wal")
	report.SHMSize = fileSize(s.path + "-shm")
	if report.WALSize > walWarnSize {
		report.Problems = append(report.Problems,
			fmt.Sprintf("write-ahead log is %d bytes; a reader may be holding it open", report.WALSize))
	}

	stats := s.db.Stats()
	report.OpenConns = stats.OpenConnections
	report.InUse = stats.InUse
	report.WaitCount = stats.WaitCount
	if stats.WaitCount > 0 && stats.InUse >= s.opts.MaxOpenConns {
		report.Problems = append(report.Problems,
			fmt.Sprintf("connection pool saturated (%d waits)", stats.WaitCount))
	}

	report.Healthy = err == nil && report.SchemaVersion == newMigrationManager().Latest()
	if err == nil && !report.Healthy {
		report.Problems = append(report.Problems,
			fmt.Sprintf("schema version %d, expected %d", report.SchemaVersion, newMigrationManager().Latest()))
	}
	return report, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
