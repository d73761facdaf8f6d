package service

import (
	"sync"
	"time"

	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/internal/domain/monitor"
	"github.com/okian/demandcast/internal/domain/online"
	"github.com/okian/demandcast/internal/domain/recovery"
	"github.com/okian/demandcast/pkg/ring"
)

// historyCapacity bounds the per-entity history used for tuning and validation.
const historyCapacity = 730

// pipeline is the per-entity chain: learner, monitor, error handler.
// mu serialises processing and forecasting; pendMu guards pending only.
type pipeline struct {
	entity   string
	learner  *online.Learner
	monitor  *monitor.Monitor
	recovery *recovery.Handler

	mu        sync.Mutex
	history   *ring.Buffer[model.Observation]
	forecasts map[time.Time]float64
	drifted   bool

	pendMu  sync.Mutex
	pending []model.Observation
}

func (p *pipeline) push(batch []model.Observation) {
	p.pendMu.Lock()
	p.pending = append(p.pending, batch...)
	p.pendMu.Unlock()
}

// withdraw removes batch entries still pending and returns them.
func (p *pipeline) withdraw(batch []model.Observation) []model.Observation {
	p.pendMu.Lock()
	defer p.pendMu.Unlock()

	want := make(map[time.Time]bool, len(batch))
	for _, o := range batch {
		want[o.Date] = true
	}
	var removed []model.Observation
	kept := p.pending[:0]
	for _, o := range p.pending {
		if want[o.Date] {
			removed = append(removed, o)
			continue
		}
		kept = append(kept, o)
	}
	p.pending = kept
	return removed
}

// take drains pending in date order.
func (p *pipeline) take() []model.Observation {
	p.pendMu.Lock()
	batch := p.pending
	p.pending = nil
	p.pendMu.Unlock()
	return model.SortByDate(batch)
}
