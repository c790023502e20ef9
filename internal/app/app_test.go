package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"potion-flow-monitor/internal/annotate"
	"potion-flow-monitor/internal/config"
	"potion-flow-monitor/internal/model"
	"potion-flow-monitor/internal/recorder"
	"potion-flow-monitor/internal/storage"
)

var base = time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC)

func observations(n int) []model.LevelObservation {
	out := make([]model.LevelObservation, n)
	for i := range out {
		out[i] = model.LevelObservation{
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			CauldronLevels: map[string]float64{"cauldron_002": float64(i), "cauldron_001": float64(i * 2)},
		}
	}
	return out
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	obs := observations(100)
	got := downsample(obs, 10)
	if len(got) != 10 {
		t.Fatalf("len = %d", len(got))
	}
	if !got[0].Timestamp.Equal(obs[0].Timestamp) || !got[9].Timestamp.Equal(obs[99].Timestamp) {
		t.Fatalf("endpoints lost: %v .. %v", got[0].Timestamp, got[9].Timestamp)
	}
	if len(downsample(obs, 0)) != 100 || len(downsample(obs, 500)) != 100 {
		t.Fatal("no-op cases should return input")
	}
	if single := downsample(obs, 1); len(single) != 1 || !single[0].Timestamp.Equal(obs[99].Timestamp) {
		t.Fatalf("max=1 should keep latest, got %+v", single)
	}
}

func TestWriteLevelsCSV(t *testing.T) {
	obs := observations(2)
	delete(obs[1].CauldronLevels, "cauldron_002")

	var buf bytes.Buffer
	if err := writeLevelsCSV(&buf, obs); err != nil {
		t.Fatal(err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"timestamp", "cauldron_001", "cauldron_002"},
		{"2025-10-30T00:00:00Z", "0", "0"},
		{"2025-10-30T00:01:00Z", "2", ""},
	}
	if len(records) != len(want) {
		t.Fatalf("records = %v", records)
	}
	for i := range want {
		if strings.Join(records[i], ",") != strings.Join(want[i], ",") {
			t.Fatalf("row %d = %v, want %v", i, records[i], want[i])
		}
	}
}

func TestRenderLevelsDrawsSparklines(t *testing.T) {
	var buf bytes.Buffer
	if err := renderLevels(&buf, observations(5), ShowOptions{Height: 3, Width: 20}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Time (UTC)") || !strings.Contains(out, "2025-10-30T00:04:00Z") {
		t.Fatalf("table missing:\n%s", out)
	}
	if strings.Count(out, "cauldron_001") < 2 {
		t.Fatalf("sparkline caption missing:\n%s", out)
	}
}

func TestRenderTickets(t *testing.T) {
	result := annotate.Result{
		Dropped: 1234,
		Tickets: []model.AnnotatedTicket{
			{TransportTicket: model.TransportTicket{TicketID: "T1", CauldronID: "c1", CourierID: "k1", AmountCollected: 12.5, Date: base}},
			{
				TransportTicket:   model.TransportTicket{TicketID: "T2", CauldronID: "c9", CourierID: "k1", AmountCollected: 3, Date: base},
				IsSuspicious:      true,
				SuspicionSeverity: model.SeverityHigh,
				SuspicionReason:   "references unknown cauldron: c9",
			},
		},
	}

	var buf bytes.Buffer
	if err := renderTickets(&buf, result, TicketsOptions{SuspiciousOnly: true}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "T1") || !strings.Contains(out, "T2") {
		t.Fatalf("suspicious filter not applied:\n%s", out)
	}
	if !strings.Contains(out, "2 tickets, 1 suspicious (critical 0, high 1, medium 0), 1,234 malformed") {
		t.Fatalf("summary line wrong:\n%s", out)
	}
}

func TestRenderStatus(t *testing.T) {
	now := base.Add(time.Hour)
	summaries := []recorder.Summary{
		{Resource: "tickets", Attempts: 1500, Failures: 2, LastAttemptAt: now.Add(-5 * time.Minute), LastFailureAt: now.Add(-time.Hour), LastError: "boom\nagain"},
	}
	events := []recorder.Event{
		{Resource: "tickets", StartedAt: now.Add(-5 * time.Minute), Duration: 1500 * time.Microsecond, Version: 9, Outcome: recorder.OutcomeApplied},
	}

	var buf bytes.Buffer
	if err := renderStatus(&buf, summaries, events, now); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"1,500", "5 minutes ago", "1 hour ago", "boom again", "applied"} {
		if !strings.Contains(out, want) {
			t.Fatalf("%q missing from:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := renderStatus(&buf, nil, nil, now); err != nil || !strings.Contains(buf.String(), "no refreshes recorded") {
		t.Fatalf("empty journal: %v %q", err, buf.String())
	}
}

func TestRenderStorage(t *testing.T) {
	now := base.Add(time.Hour)
	alerts := []storage.AlertRecord{{
		TicketID:        "TT_001",
		CauldronID:      "cauldron_001",
		CourierID:       "courier_1",
		Severity:        model.SeverityCritical,
		Reason:          "amount collected 120.00 L exceeds max volume",
		AmountCollected: decimal.RequireFromString("120"),
		Channels:        []string{"telegram", "log"},
		CreatedAt:       now.Add(-2 * time.Minute),
	}}

	var buf bytes.Buffer
	if err := renderStorage(&buf, 25000, alerts, now); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"level observations stored: 25,000", "TT_001", "120.00", "critical", "telegram,log", "2 minutes ago"} {
		if !strings.Contains(out, want) {
			t.Fatalf("%q missing from:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := renderStorage(&buf, 0, nil, now); err != nil || !strings.Contains(buf.String(), "no ticket alerts recorded") {
		t.Fatalf("empty store: %v %q", err, buf.String())
	}
}

func TestStatusRequiresASource(t *testing.T) {
	a := NewApp(config.Default(), zerolog.Nop())
	if err := a.Status(context.Background(), StatusOptions{Limit: 5}); err == nil {
		t.Fatal("status without journal or database should fail")
	}
}

func TestSimulateAlert(t *testing.T) {
	cfg := config.Default()
	a := NewApp(cfg, zerolog.Nop())

	if err := a.SimulateAlert(context.Background(), SimulateOptions{Capacity: 100, Amount: 150}); err == nil {
		t.Fatal("alerting disabled should be rejected")
	}

	cfg.Alerting.Enabled = true
	if err := a.SimulateAlert(context.Background(), SimulateOptions{Capacity: 0, Amount: 150}); err == nil {
		t.Fatal("zero capacity should be rejected")
	}
	if err := a.SimulateAlert(context.Background(), SimulateOptions{Capacity: 100, Amount: 150}); err != nil {
		t.Fatalf("SimulateAlert: %v", err)
	}
}

func TestDependenciesAvoidTypedNil(t *testing.T) {
	deps := dependencies(nil, nil, nil)
	if deps.Levels != nil || deps.Alerts != nil || deps.Locker != nil || deps.Observer != nil {
		t.Fatalf("nil store must leave interfaces nil: %+v", deps)
	}
}
