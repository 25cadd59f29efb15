package storage

import (
	"errors"

	"github.com/funnyzak/viewaudit/internal/config"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/pkg/request"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ListOptions controls filtering and pagination when fetching replays.
type ListOptions struct {
	RunID    string
	View     string
	DiffOnly bool
	Limit    int
	Offset   int
}

// Store is the replay ledger. It records every run and the outcome of each
// replayed request so results can be browsed after the fact.
type Store interface {
	BeginRun(kind string) (*request.RunRecord, error)
	FinishRun(*request.RunRecord) error
	ListRuns(limit int) ([]*request.RunRecord, error)

	RecordReplay(*request.ReplayRecord) (*request.ReplayRecord, error)
	ListReplays(ListOptions) ([]*request.ReplayRecord, int, error)
	GetReplay(id int64) (*request.ReplayRecord, error)

	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}
