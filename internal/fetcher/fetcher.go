package fetcher

import (
	"context"
	"time"

	"potion-flow-monitor/internal/model"
)

// InformationFetcher retrieves the static factory layout.
type InformationFetcher interface {
	FetchCauldrons(ctx context.Context) ([]model.Cauldron, error)
	FetchMarket(ctx context.Context) (model.Market, error)
	FetchCouriers(ctx context.Context) ([]model.Courier, error)
}

// LevelFetcher retrieves historical cauldron levels.
type LevelFetcher interface {
	FetchLevels(ctx context.Context) ([]model.LevelObservation, error)
	FetchLevelsBetween(ctx context.Context, from, to time.Time) ([]model.LevelObservation, error)
}

// TicketFetcher retrieves courier transport tickets.
type TicketFetcher interface {
	FetchTickets(ctx context.Context) (model.TicketsSnapshot, error)
}

// Upstream is everything the service needs from the factory API.
type Upstream interface {
	InformationFetcher
	LevelFetcher
	TicketFetcher
}
