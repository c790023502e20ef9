package fetcher

import (
	"fmt"
	"strings"
	"time"

	"potion-flow-monitor/internal/model"
)

// Wire records use pointers so a missing field is distinguishable from a
// zero value; missing required fields drop the record instead of
// defaulting it.

type cauldronRecord struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MaxVolume *float64 `json:"max_volume"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
}

func (r cauldronRecord) toModel() (model.Cauldron, bool) {
	if r.ID == "" || r.MaxVolume == nil || *r.MaxVolume <= 0 {
		return model.Cauldron{}, false
	}
	return model.Cauldron{
		ID:        r.ID,
		Name:      r.Name,
		MaxVolume: *r.MaxVolume,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
	}, true
}

type marketRecord struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description"`
}

type levelRecord struct {
	Timestamp      *string            `json:"timestamp"`
	CauldronLevels map[string]float64 `json:"cauldron_levels"`
}

func (r levelRecord) toModel() (model.LevelObservation, bool) {
	if r.Timestamp == nil || r.CauldronLevels == nil {
		return model.LevelObservation{}, false
	}
	ts, err := parseTime(*r.Timestamp)
	if err != nil {
		return model.LevelObservation{}, false
	}
	return model.LevelObservation{Timestamp: ts, CauldronLevels: r.CauldronLevels}, true
}

type ticketsEnvelope struct {
	Metadata *struct {
		TotalTickets int `json:"total_tickets"`
		DateRange    *struct {
			Start string `json:"start"`
			End   string `json:"end"`
		} `json:"date_range"`
	} `json:"metadata"`
	TransportTickets []ticketRecord `json:"transport_tickets"`
}

type ticketRecord struct {
	TicketID        *string  `json:"ticket_id"`
	CauldronID      *string  `json:"cauldron_id"`
	AmountCollected *float64 `json:"amount_collected"`
	CourierID       *string  `json:"courier_id"`
	Date            *string  `json:"date"`
}

func (r ticketRecord) toModel() (model.TransportTicket, error) {
	if r.TicketID == nil || r.CauldronID == nil || r.AmountCollected == nil || r.CourierID == nil || r.Date == nil {
		id := "<unknown>"
		if r.TicketID != nil {
			id = *r.TicketID
		}
		return model.TransportTicket{}, fmt.Errorf("%w: %s missing required field", model.ErrMalformedTicket, id)
	}
	date, err := parseTime(*r.Date)
	if err != nil {
		return model.TransportTicket{}, fmt.Errorf("%w: %s: %v", model.ErrMalformedTicket, *r.TicketID, err)
	}
	ticket := model.TransportTicket{
		TicketID:        *r.TicketID,
		CauldronID:      *r.CauldronID,
		AmountCollected: *r.AmountCollected,
		CourierID:       *r.CourierID,
		Date:            date,
	}
	if err := ticket.Validate(); err != nil {
		return model.TransportTicket{}, err
	}
	return ticket, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts the timestamp shapes the upstream has been seen to
// emit. Values without a zone are treated as UTC.
func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}
