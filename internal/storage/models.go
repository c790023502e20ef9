package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"potion-flow-monitor/internal/model"
)

// AlertRecord captures an emitted ticket alert for de-duplication/auditing.
type AlertRecord struct {
	ID              int64
	TicketID        string
	CauldronID      string
	CourierID       string
	Severity        model.Severity
	Reason          string
	AmountCollected decimal.Decimal
	TicketDate      time.Time
	Channels        []string
	CreatedAt       time.Time
}

// AlertFromTicket builds the record persisted for a suspicious ticket.
func AlertFromTicket(t model.AnnotatedTicket, channels []string) AlertRecord {
	return AlertRecord{
		TicketID:        t.TicketID,
		CauldronID:      t.CauldronID,
		CourierID:       t.CourierID,
		Severity:        t.SuspicionSeverity,
		Reason:          t.SuspicionReason,
		AmountCollected: decimal.NewFromFloat(t.AmountCollected),
		TicketDate:      t.Date,
		Channels:        channels,
	}
}
