package uow

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jpalmerr/intake/exchange"
)

// Manager creates and finalizes units of work for a consumer.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a [Manager]. A nil logger uses [slog.Default].
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Create returns the unit of work of ex, attaching a new one if ex has none.
//
// Pooled exchanges keep their unit across acquisitions; a unit finalized by
// the previous owner is reset before it is handed out again.
func (m *Manager) Create(ex *exchange.Exchange) *Unit {
	if u, ok := ex.UnitOfWork().(*Unit); ok && u != nil {
		if u.IsDone() {
			u.reset()
		}
		return u
	}
	u := newUnit(m.logger)
	ex.SetUnitOfWork(u)
	return u
}

// Done finalizes u for ex. Failures are logged and never returned, so a
// broken observer cannot block completion.
func (m *Manager) Done(u *Unit, ex *exchange.Exchange) {
	if u == nil || ex == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("unit of work done failed",
				"correlation_id", uuid.NewString(),
				"uow_id", u.ID(),
				"exchange_id", ex.ID(),
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	u.Done(ex)
}

// OnCompletion registers s on the unit of work of ex, creating one if needed.
func (m *Manager) OnCompletion(ex *exchange.Exchange, s Synchronization) {
	m.Create(ex).AddSynchronization(s)
}
