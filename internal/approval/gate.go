// Package approval implements the human review gates of the pipeline: multi-reviewer plan
// quorum, the single-reviewer ticket update draft cycle, and review comments.
//
// The gate only records decisions and answers questions about them. It never moves a ticket;
// callers run it inside the transaction that applies the resulting transition.
package approval

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/logger"
	"github.com/example/ticketpilot/backend/internal/notify"
)

// Gate stores review state.
type Gate struct {
	db       *gorm.DB
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

// Option customizes a Gate.
type Option func(*Gate)

// WithNotifier sets where mention notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// WithLogger overrides the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.log = l }
}

func New(db *gorm.DB, opts ...Option) *Gate {
	g := &Gate{
		db:       db,
		notifier: notify.Nop{},
		log:      logger.L(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// WithTx returns a Gate whose reads and writes join tx.
func (g *Gate) WithTx(tx *gorm.DB) *Gate {
	cp := *g
	cp.db = tx
	return &cp
}
