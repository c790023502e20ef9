package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Severity ranks how serious a suspicious ticket is.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: none < medium < high < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity accepts medium, high or critical in any letter case.
func ParseSeverity(v string) (Severity, error) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(v))); s {
	case SeverityMedium, SeverityHigh, SeverityCritical:
		return s, nil
	default:
		return SeverityNone, fmt.Errorf("unknown severity %q", v)
	}
}

// TransportTicket is a courier's record of potion collected from a cauldron.
type TransportTicket struct {
	TicketID        string    `json:"ticket_id"`
	CauldronID      string    `json:"cauldron_id"`
	AmountCollected float64   `json:"amount_collected"`
	CourierID       string    `json:"courier_id"`
	Date            time.Time `json:"date"`
}

// ErrMalformedTicket marks a ticket missing required fields.
var ErrMalformedTicket = errors.New("malformed ticket")

// Validate rejects tickets that cannot be classified without guessing.
func (t TransportTicket) Validate() error {
	switch {
	case t.TicketID == "":
		return fmt.Errorf("%w: missing ticket_id", ErrMalformedTicket)
	case t.CauldronID == "":
		return fmt.Errorf("%w: %s missing cauldron_id", ErrMalformedTicket, t.TicketID)
	case t.CourierID == "":
		return fmt.Errorf("%w: %s missing courier_id", ErrMalformedTicket, t.TicketID)
	case t.Date.IsZero():
		return fmt.Errorf("%w: %s missing date", ErrMalformedTicket, t.TicketID)
	case math.IsNaN(t.AmountCollected) || math.IsInf(t.AmountCollected, 0):
		return fmt.Errorf("%w: %s amount_collected not finite", ErrMalformedTicket, t.TicketID)
	case t.AmountCollected < 0:
		return fmt.Errorf("%w: %s negative amount_collected", ErrMalformedTicket, t.TicketID)
	}
	return nil
}

// TicketMetadata mirrors the upstream envelope plus local decode counters.
type TicketMetadata struct {
	TotalTickets     int       `json:"total_tickets"`
	DateRangeStart   time.Time `json:"date_range_start,omitzero"`
	DateRangeEnd     time.Time `json:"date_range_end,omitzero"`
	MalformedRecords int       `json:"malformed_records"`
}

// TicketsSnapshot is the cached tickets resource.
type TicketsSnapshot struct {
	Metadata         TicketMetadata    `json:"metadata"`
	TransportTickets []TransportTicket `json:"transport_tickets"`
}

// AnnotatedTicket carries the suspicion verdict for one ticket.
type AnnotatedTicket struct {
	TransportTicket
	IsSuspicious      bool     `json:"is_suspicious"`
	SuspicionSeverity Severity `json:"suspicion_severity,omitempty"`
	SuspicionReason   string   `json:"suspicion_reason,omitempty"`
}
