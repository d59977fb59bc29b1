package usecase

import (
	"math"

	"github.com/vitos/signal_ladder/internal/domain"
)

type ExecutionStatus string

const (
	StatusPending       ExecutionStatus = "pending"
	StatusTriggered     ExecutionStatus = "triggered"
	StatusExecuted      ExecutionStatus = "executed"
	StatusEndedUnfilled ExecutionStatus = "ended_unfilled"
)

// Counted reports whether the row consumes risk in the actual lens.
func (s ExecutionStatus) Counted() bool {
	return s == StatusTriggered || s == StatusExecuted
}

// StatusSource records which evidence decided a status.
type StatusSource string

const (
	SourceApplied   StatusSource = "applied"
	SourceEvent     StatusSource = "event"
	SourceRule      StatusSource = "rule"
	SourceLegacy    StatusSource = "legacy"
	SourceAmbiguous StatusSource = "ambiguous"
	SourceNone      StatusSource = "none"
)

type ClassifiedUpdate struct {
	Update domain.TakeProfitUpdate `json:"update"`
	Status ExecutionStatus         `json:"status"`
	Source StatusSource            `json:"source"`
	// Unresolved is set when an event matched this row only through an
	// ambiguous composite key.
	Unresolved bool `json:"unresolved"`
	// ExecutionPrice is the fill price when known, zero otherwise.
	ExecutionPrice float64 `json:"execution_price,omitempty"`
}

type ClassifyInput struct {
	Signal *domain.Signal
	// Ladder in creation order.
	Ladder []domain.TakeProfitUpdate
	Events []domain.ExecutionEvent
	// Trade and Applied are optional; without them the ladder is classified
	// at signal level and no legacy inference is attempted.
	Trade   *domain.UserTrade
	Applied []domain.AppliedUpdate
}

type Classification struct {
	Updates []ClassifiedUpdate
	// LegacyInferred is the number of rows marked triggered by prefix fitting.
	LegacyInferred int
	// LegacyMismatch is set when a fit was attempted and no prefix was within
	// tolerance; affected rows stay pending.
	LegacyMismatch bool
}

type ExecutionClassifier struct{}

func NewExecutionClassifier() *ExecutionClassifier {
	return &ExecutionClassifier{}
}

func (c *ExecutionClassifier) Classify(in ClassifyInput) Classification {
	sig := in.Signal
	links := correlate(in.Ladder, in.Events)

	applied := make(map[string]domain.AppliedUpdate, len(in.Applied))
	for _, a := range in.Applied {
		if _, ok := applied[a.UpdateID]; !ok {
			applied[a.UpdateID] = a
		}
	}

	out := Classification{Updates: make([]ClassifiedUpdate, len(in.Ladder))}
	undecided := make([]int, 0)

	for i, u := range in.Ladder {
		cu := ClassifiedUpdate{Update: u, Status: StatusPending, Source: SourceNone}
		trig, triggered := links.triggered[i]

		switch {
		case hasApplied(applied, u.ID):
			cu.Status, cu.Source = StatusExecuted, SourceApplied
			cu.ExecutionPrice = applied[u.ID].ExecutionPrice

		case executesOnPublish(sig, u) && in.Trade != nil && u.CreatedAt.Before(in.Trade.OpenedAt):
			// Filled before the position existed.
			cu.Status, cu.Source = StatusEndedUnfilled, SourceRule

		case executesOnPublish(sig, u):
			cu.Status, cu.Source = StatusExecuted, SourceRule
			if triggered {
				cu.ExecutionPrice = trig.ExecutionPrice
			}

		case triggered && in.Trade != nil && trig.At.Before(in.Trade.OpenedAt):
			// Fired before the position existed.
			cu.Status, cu.Source = StatusEndedUnfilled, SourceEvent
			cu.ExecutionPrice = trig.ExecutionPrice

		case triggered:
			cu.Status, cu.Source = StatusTriggered, SourceEvent
			cu.ExecutionPrice = trig.ExecutionPrice

		case links.ambiguous[i]:
			cu.Source, cu.Unresolved = SourceAmbiguous, true
			if !sig.IsOpen() {
				cu.Status = StatusEndedUnfilled
			}

		case !sig.IsOpen():
			cu.Status, cu.Source = StatusEndedUnfilled, SourceRule

		default:
			undecided = append(undecided, i)
		}
		out.Updates[i] = cu
	}

	if len(undecided) > 0 && legacyEligible(in, links) {
		inferred, ok := inferLegacyPrefix(in, out.Updates)
		if !ok {
			out.LegacyMismatch = true
		}
		for _, i := range undecided {
			if inferred[i] {
				out.Updates[i].Status = StatusTriggered
				out.Updates[i].Source = SourceLegacy
				out.LegacyInferred++
			}
		}
	}

	return out
}

// executesOnPublish reports rows that fill synchronously when published:
// market rows, and every row of a non-live signal.
func executesOnPublish(sig *domain.Signal, u domain.TakeProfitUpdate) bool {
	return u.Kind == domain.UpdateMarket || !sig.IsLive()
}

func hasApplied(applied map[string]domain.AppliedUpdate, id string) bool {
	_, ok := applied[id]
	return ok
}

type eventLinks struct {
	triggered map[int]domain.TPTriggered
	ambiguous map[int]bool
	// direct is true when at least one trigger event exists for the signal,
	// resolved or not.
	direct bool
}

// correlate links trigger events to ladder rows by explicit update id, or by
// the composite key when the id is absent. A key that matches more than one
// row resolves nothing and marks every candidate ambiguous.
func correlate(ladder []domain.TakeProfitUpdate, events []domain.ExecutionEvent) eventLinks {
	links := eventLinks{
		triggered: make(map[int]domain.TPTriggered),
		ambiguous: make(map[int]bool),
	}

	byID := make(map[string]int, len(ladder))
	byKey := make(map[domain.MatchKey][]int, len(ladder))
	for i, u := range ladder {
		byID[u.ID] = i
		byKey[u.Key()] = append(byKey[u.Key()], i)
	}

	for _, ev := range events {
		trig, ok := ev.(domain.TPTriggered)
		if !ok {
			continue
		}
		links.direct = true

		if trig.UpdateID != "" {
			if i, found := byID[trig.UpdateID]; found {
				if _, seen := links.triggered[i]; !seen {
					links.triggered[i] = trig
				}
			}
			continue
		}

		candidates := byKey[trig.Key()]
		switch len(candidates) {
		case 0:
		case 1:
			if _, seen := links.triggered[candidates[0]]; !seen {
				links.triggered[candidates[0]] = trig
			}
		default:
			for _, i := range candidates {
				links.ambiguous[i] = true
			}
		}
	}

	// An explicit link wins over an ambiguous composite match.
	for i := range links.triggered {
		delete(links.ambiguous, i)
	}
	return links
}

// legacyEligible limits prefix fitting to pending trades on live signals with
// no execution tracking at all.
func legacyEligible(in ClassifyInput, links eventLinks) bool {
	if in.Trade == nil || !in.Trade.IsPending() || !in.Signal.IsLive() {
		return false
	}
	return !links.direct && len(in.Applied) == 0 && in.Trade.InitialRiskAmount > 0
}

// inferLegacyPrefix finds how many leading ladder rows must have filled to
// leave the trade's stored remaining risk. The closest prefix wins; on a tie
// the shorter prefix is taken. Rows already ended are not part of the fit.
func inferLegacyPrefix(in ClassifyInput, classified []ClassifiedUpdate) (map[int]bool, bool) {
	index := make(map[string]int, len(in.Ladder))
	for i, u := range in.Ladder {
		index[u.ID] = i
	}

	candidates := make([]ClassifiedUpdate, 0, len(classified))
	for _, cu := range classified {
		if cu.Status != StatusEndedUnfilled {
			candidates = append(candidates, cu)
		}
	}
	ordered := sortLadder(in.Signal.Direction, candidates)
	prefixes := prefixRemaining(in.Trade.InitialRiskAmount, ordered)

	stored := in.Trade.RemainingRiskAmount
	best, bestDiff := 0, math.Inf(1)
	for k, remaining := range prefixes {
		if diff := math.Abs(remaining - stored); diff < bestDiff-domain.PriceEpsilon {
			best, bestDiff = k, diff
		}
	}

	inferred := make(map[int]bool, best)
	if bestDiff > domain.LegacyTolerance(in.Trade.InitialRiskAmount) {
		return inferred, false
	}
	for _, cu := range ordered[:best] {
		inferred[index[cu.Update.ID]] = true
	}
	return inferred, true
}
