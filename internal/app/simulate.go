package app

import (
	"context"
	"errors"
	"time"

	"potion-flow-monitor/internal/fetcher"
	"potion-flow-monitor/internal/model"
)

const (
	simulatedCauldronID = "cauldron_sim"
	simulatedCourierID  = "courier_sim"
)

// SimulateAlert 构造一张超出容量的工单, 走一遍完整的轮询与告警流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if err := opts.validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	upstream := &staticUpstream{
		cauldrons: []model.Cauldron{{ID: simulatedCauldronID, Name: "Simulated Cauldron", MaxVolume: opts.Capacity}},
		levels: []model.LevelObservation{
			{Timestamp: now, CauldronLevels: map[string]float64{simulatedCauldronID: opts.Capacity}},
		},
		tickets: model.TicketsSnapshot{
			Metadata: model.TicketMetadata{TotalTickets: 1, DateRangeStart: now, DateRangeEnd: now},
			TransportTickets: []model.TransportTicket{{
				TicketID:        "TT_SIM_" + now.Format("20060102150405"),
				CauldronID:      simulatedCauldronID,
				CourierID:       simulatedCourierID,
				AmountCollected: opts.Amount,
				Date:            now,
			}},
		},
	}

	svc, err := a.newOneShotService(upstream, dependencies(nil, nil, a.newNotifier()))
	if err != nil {
		return err
	}
	return svc.Poll(ctx, now.Truncate(a.Config.Scheduler.Interval))
}

// staticUpstream serves fixed snapshots.
type staticUpstream struct {
	cauldrons []model.Cauldron
	levels    []model.LevelObservation
	tickets   model.TicketsSnapshot
}

func (s *staticUpstream) FetchCauldrons(ctx context.Context) ([]model.Cauldron, error) {
	return s.cauldrons, nil
}

func (s *staticUpstream) FetchMarket(ctx context.Context) (model.Market, error) {
	return model.Market{ID: "market_sim", Name: "Simulated Market"}, nil
}

func (s *staticUpstream) FetchCouriers(ctx context.Context) ([]model.Courier, error) {
	return []model.Courier{{CourierID: simulatedCourierID, Name: "Simulated Courier"}}, nil
}

func (s *staticUpstream) FetchLevels(ctx context.Context) ([]model.LevelObservation, error) {
	return s.levels, nil
}

func (s *staticUpstream) FetchLevelsBetween(ctx context.Context, from, to time.Time) ([]model.LevelObservation, error) {
	return s.levels, nil
}

func (s *staticUpstream) FetchTickets(ctx context.Context) (model.TicketsSnapshot, error) {
	return s.tickets, nil
}

var _ fetcher.Upstream = (*staticUpstream)(nil)
