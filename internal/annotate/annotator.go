// Package annotate classifies transport tickets as valid or suspicious.
//
// Classification is a pure function of the ticket set, the cauldron set and
// the Policy: the same inputs always yield the same verdicts, and the verdict
// for a ticket does not depend on where it sits in the input.
package annotate

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"potion-flow-monitor/internal/model"
)

// GroupKey selects how tickets are grouped for the outlier rule.
type GroupKey string

const (
	GroupByCourier  GroupKey = "courier"
	GroupByCauldron GroupKey = "cauldron"
)

// Policy tunes the outlier rule. Zero values fall back to defaults.
type Policy struct {
	// OutlierMultiplier is how many spreads away from the group median an
	// amount may sit before it is flagged.
	OutlierMultiplier float64
	GroupBy           GroupKey
	// MinGroupSize is the smallest group the outlier rule evaluates.
	MinGroupSize int
}

// DefaultPolicy 默认离群判定参数。
func DefaultPolicy() Policy {
	return Policy{OutlierMultiplier: 3.0, GroupBy: GroupByCourier, MinGroupSize: 3}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.OutlierMultiplier <= 0 {
		p.OutlierMultiplier = def.OutlierMultiplier
	}
	if p.GroupBy != GroupByCauldron {
		p.GroupBy = GroupByCourier
	}
	if p.MinGroupSize <= 0 {
		p.MinGroupSize = def.MinGroupSize
	}
	return p
}

// Validate rejects policies that cannot be normalized silently.
func (p Policy) Validate() error {
	if p.OutlierMultiplier < 0 {
		return fmt.Errorf("outlier multiplier cannot be negative")
	}
	switch p.GroupBy {
	case "", GroupByCourier, GroupByCauldron:
	default:
		return fmt.Errorf("unknown group key %q", p.GroupBy)
	}
	if p.MinGroupSize < 0 {
		return fmt.Errorf("min group size cannot be negative")
	}
	return nil
}

// Result holds annotated tickets in input order plus the number of
// malformed tickets that were excluded.
type Result struct {
	Tickets []model.AnnotatedTicket `json:"tickets"`
	Dropped int                     `json:"malformed_count"`
}

// Suspicious returns the suspicious subset, order preserved.
func (r Result) Suspicious() []model.AnnotatedTicket {
	out := make([]model.AnnotatedTicket, 0)
	for _, t := range r.Tickets {
		if t.IsSuspicious {
			out = append(out, t)
		}
	}
	return out
}

// CountBySeverity tallies suspicious tickets per severity.
func (r Result) CountBySeverity() map[model.Severity]int {
	counts := make(map[model.Severity]int, 3)
	for _, t := range r.Tickets {
		if t.IsSuspicious {
			counts[t.SuspicionSeverity]++
		}
	}
	return counts
}

// Annotator applies a fixed Policy. It holds no mutable state.
type Annotator struct {
	policy Policy
}

// New builds an annotator for policy.
func New(policy Policy) *Annotator {
	return &Annotator{policy: policy.normalized()}
}

// Policy returns the effective policy.
func (a *Annotator) Policy() Policy {
	return a.policy
}

// Annotate classifies every well-formed ticket. Rules in precedence order:
// unknown cauldron (high), capacity violation (critical), outlier amount
// (medium), otherwise valid.
func (a *Annotator) Annotate(tickets []model.TransportTicket, cauldrons []model.Cauldron) Result {
	index := model.CauldronIndex(cauldrons)

	valid := make([]model.TransportTicket, 0, len(tickets))
	dropped := 0
	for _, t := range tickets {
		if err := t.Validate(); err != nil {
			dropped++
			continue
		}
		valid = append(valid, t)
	}

	stats := groupStats(valid, a.policy)

	out := make([]model.AnnotatedTicket, 0, len(valid))
	for _, t := range valid {
		out = append(out, a.classify(t, index, stats))
	}
	return Result{Tickets: out, Dropped: dropped}
}

func (a *Annotator) classify(t model.TransportTicket, index map[string]model.Cauldron, stats map[string]spread) model.AnnotatedTicket {
	annotated := model.AnnotatedTicket{TransportTicket: t}

	cauldron, known := index[t.CauldronID]
	if !known {
		return suspicious(annotated, model.SeverityHigh, "references unknown cauldron: "+t.CauldronID)
	}

	if t.AmountCollected > cauldron.MaxVolume {
		amount := decimal.NewFromFloat(t.AmountCollected)
		capacity := decimal.NewFromFloat(cauldron.MaxVolume)
		excess := amount.Sub(capacity)
		reason := fmt.Sprintf("amount collected %s L exceeds max volume %s L of %s by %s L",
			amount.StringFixed(2), capacity.StringFixed(2), cauldron.DisplayName(), excess.StringFixed(2))
		return suspicious(annotated, model.SeverityCritical, reason)
	}

	key := groupKey(t, a.policy.GroupBy)
	if s, ok := stats[key]; ok && s.size >= a.policy.MinGroupSize && s.width > 0 {
		deviation := math.Abs(t.AmountCollected - s.median)
		if deviation > a.policy.OutlierMultiplier*s.width {
			reason := fmt.Sprintf("amount collected %s L deviates %s L from %s %s median %s L (spread %s L, threshold %sx)",
				decimal.NewFromFloat(t.AmountCollected).StringFixed(2),
				decimal.NewFromFloat(deviation).StringFixed(2),
				a.policy.GroupBy, key,
				decimal.NewFromFloat(s.median).StringFixed(2),
				decimal.NewFromFloat(s.width).StringFixed(2),
				decimal.NewFromFloat(a.policy.OutlierMultiplier).String())
			return suspicious(annotated, model.SeverityMedium, reason)
		}
	}

	return annotated
}

func suspicious(t model.AnnotatedTicket, severity model.Severity, reason string) model.AnnotatedTicket {
	t.IsSuspicious = true
	t.SuspicionSeverity = severity
	t.SuspicionReason = reason
	return t
}

func groupKey(t model.TransportTicket, by GroupKey) string {
	if by == GroupByCauldron {
		return t.CauldronID
	}
	return t.CourierID
}

type spread struct {
	median float64
	width  float64
	size   int
}

// groupStats computes median and spread per group. Amounts are sorted
// before any arithmetic so the result is independent of input order.
func groupStats(tickets []model.TransportTicket, policy Policy) map[string]spread {
	groups := make(map[string][]float64)
	for _, t := range tickets {
		key := groupKey(t, policy.GroupBy)
		groups[key] = append(groups[key], t.AmountCollected)
	}

	stats := make(map[string]spread, len(groups))
	for key, amounts := range groups {
		sort.Float64s(amounts)
		med := median(amounts)

		deviations := make([]float64, len(amounts))
		for i, v := range amounts {
			deviations[i] = math.Abs(v - med)
		}
		sort.Float64s(deviations)

		width := median(deviations)
		if width == 0 {
			width = mean(deviations)
		}
		stats[key] = spread{median: med, width: width, size: len(amounts)}
	}
	return stats
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}
