package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"potion-flow-monitor/internal/config"
	"potion-flow-monitor/internal/model"
)

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, err := s.UpsertObservations(ctx, []model.LevelObservation{{Timestamp: time.Now()}}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("UpsertObservations: %v", err)
	}
	if _, err := s.ListRecentObservations(ctx, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ListRecentObservations: %v", err)
	}
	if _, _, err := s.InsertAlert(ctx, AlertRecord{TicketID: "T1"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("InsertAlert: %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("TryAdvisoryLock: %v", err)
	}
	if err := s.EnsureSchema(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("EnsureSchema: %v", err)
	}
	s.Close()
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Fatal("empty dsn should fail")
	}
	if _, err := NewPool(context.Background(), config.DatabaseConfig{DSN: "postgres://user@localhost:notaport/db"}); err == nil {
		t.Fatal("malformed dsn should fail")
	}
}

func TestAlertFromTicket(t *testing.T) {
	ticket := model.AnnotatedTicket{
		TransportTicket: model.TransportTicket{
			TicketID: "TT_9", CauldronID: "cauldron_001", CourierID: "courier_2",
			AmountCollected: 120.25, Date: time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC),
		},
		IsSuspicious:      true,
		SuspicionSeverity: model.SeverityCritical,
		SuspicionReason:   "over capacity",
	}
	rec := AlertFromTicket(ticket, []string{"telegram"})
	if rec.TicketID != "TT_9" || rec.Severity != model.SeverityCritical {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.AmountCollected.String() != "120.25" {
		t.Fatalf("amount = %s", rec.AmountCollected)
	}
}
