package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type EventType string

const (
	EventTPPublished EventType = "tp_update_published"
	EventTPTriggered EventType = "tp_update_triggered"
	EventSLBreakeven EventType = "sl_breakeven"
)

// SignalEvent is a raw, append-only history row. Payload is JSON whose shape
// depends on Type; use ParseEvent to get a typed value.
type SignalEvent struct {
	ID        string
	SignalID  string
	Type      EventType
	Payload   []byte
	CreatedAt time.Time
}

// ExecutionEvent is implemented by TPPublished, TPTriggered and BreakevenApplied.
type ExecutionEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// LadderRef identifies the ladder row an event refers to. UpdateID is empty
// for rows written before explicit linkage existed; the remaining fields form
// the composite match key.
type LadderRef struct {
	UpdateID     string
	Label        string
	Price        float64
	ClosePercent float64
	Note         string
}

func (r LadderRef) Key() MatchKey {
	return NewMatchKey(r.Label, r.Price, r.ClosePercent, r.Note)
}

type TPPublished struct {
	LadderRef
	Kind UpdateKind
	At   time.Time
}

func (e TPPublished) EventType() EventType  { return EventTPPublished }
func (e TPPublished) OccurredAt() time.Time { return e.At }

type TPTriggered struct {
	LadderRef
	// ExecutionPrice is the live fill; zero when the event carries none.
	ExecutionPrice  float64
	RealizedPercent float64
	At              time.Time
}

func (e TPTriggered) EventType() EventType  { return EventTPTriggered }
func (e TPTriggered) OccurredAt() time.Time { return e.At }

type BreakevenApplied struct {
	PreviousStop float64
	NewStop      float64
	MarketPrice  float64
	At           time.Time
}

func (e BreakevenApplied) EventType() EventType  { return EventSLBreakeven }
func (e BreakevenApplied) OccurredAt() time.Time { return e.At }

// MatchKey is the composite correlation key: label, price rounded to
// MatchPriceDecimals, close percent rounded to MatchPercentDecimals and note.
type MatchKey struct {
	Label   string
	Price   string
	Percent string
	Note    string
}

func NewMatchKey(label string, price, percent float64, note string) MatchKey {
	return MatchKey{
		Label:   strings.TrimSpace(label),
		Price:   strconv.FormatFloat(price, 'f', MatchPriceDecimals, 64),
		Percent: strconv.FormatFloat(percent, 'f', MatchPercentDecimals, 64),
		Note:    strings.TrimSpace(note),
	}
}

func (u TakeProfitUpdate) Key() MatchKey {
	return NewMatchKey(u.Label, u.Price, u.ClosePercent, u.Note)
}

// eventPayload accepts both the current field names and the older aliases.
type eventPayload struct {
	UpdateID        *string  `json:"update_id"`
	LegacyUpdateID  *string  `json:"tp_update_id"`
	Label           *string  `json:"label"`
	Price           *float64 `json:"price"`
	ClosePercent    *float64 `json:"close_percent"`
	LegacyPercent   *float64 `json:"percent"`
	Note            *string  `json:"note"`
	Kind            *string  `json:"kind"`
	ExecutionPrice  *float64 `json:"execution_price"`
	LivePrice       *float64 `json:"live_price"`
	RealizedPercent *float64 `json:"realized_percent"`
	PreviousStop    *float64 `json:"previous_stop"`
	NewStop         *float64 `json:"new_stop"`
	MarketPrice     *float64 `json:"market_price"`
}

// ParseEvent converts a raw history row into its typed form. Any payload that
// does not carry the fields its type requires yields ErrMalformedEvent.
func ParseEvent(raw SignalEvent) (ExecutionEvent, error) {
	var p eventPayload
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: event %s: %v", ErrMalformedEvent, raw.ID, err)
		}
	}

	switch raw.Type {
	case EventTPPublished:
		ref, err := p.ladderRef(raw.ID)
		if err != nil {
			return nil, err
		}
		kind := UpdateLimit
		if p.Kind != nil && UpdateKind(*p.Kind) == UpdateMarket {
			kind = UpdateMarket
		}
		return TPPublished{LadderRef: ref, Kind: kind, At: raw.CreatedAt}, nil

	case EventTPTriggered:
		ref, err := p.ladderRef(raw.ID)
		if err != nil {
			return nil, err
		}
		ev := TPTriggered{LadderRef: ref, At: raw.CreatedAt}
		exec := firstFloat(p.ExecutionPrice, p.LivePrice)
		if exec != nil {
			if !IsFinite(*exec) || *exec <= 0 {
				return nil, fmt.Errorf("%w: event %s: execution price %v", ErrMalformedEvent, raw.ID, *exec)
			}
			ev.ExecutionPrice = *exec
		}
		if p.RealizedPercent != nil && IsFinite(*p.RealizedPercent) {
			ev.RealizedPercent = *p.RealizedPercent
		}
		return ev, nil

	case EventSLBreakeven:
		if p.NewStop == nil || !IsFinite(*p.NewStop) {
			return nil, fmt.Errorf("%w: event %s: missing new_stop", ErrMalformedEvent, raw.ID)
		}
		ev := BreakevenApplied{NewStop: *p.NewStop, At: raw.CreatedAt}
		if p.PreviousStop != nil && IsFinite(*p.PreviousStop) {
			ev.PreviousStop = *p.PreviousStop
		}
		if p.MarketPrice != nil && IsFinite(*p.MarketPrice) {
			ev.MarketPrice = *p.MarketPrice
		}
		return ev, nil
	}

	return nil, fmt.Errorf("%w: event %s: unknown type %q", ErrMalformedEvent, raw.ID, raw.Type)
}

func (p eventPayload) ladderRef(eventID string) (LadderRef, error) {
	var ref LadderRef
	if id := firstString(p.UpdateID, p.LegacyUpdateID); id != nil {
		ref.UpdateID = strings.TrimSpace(*id)
	}
	if p.Label != nil {
		ref.Label = *p.Label
	}
	if p.Note != nil {
		ref.Note = *p.Note
	}
	if p.Price != nil {
		if !IsFinite(*p.Price) {
			return ref, fmt.Errorf("%w: event %s: non-finite price", ErrMalformedEvent, eventID)
		}
		ref.Price = *p.Price
	}
	if pct := firstFloat(p.ClosePercent, p.LegacyPercent); pct != nil {
		if !IsFinite(*pct) {
			return ref, fmt.Errorf("%w: event %s: non-finite percent", ErrMalformedEvent, eventID)
		}
		ref.ClosePercent = *pct
	}
	// Without an id the composite key needs at least a price to be meaningful.
	if ref.UpdateID == "" && p.Price == nil {
		return ref, fmt.Errorf("%w: event %s: neither update_id nor price", ErrMalformedEvent, eventID)
	}
	return ref, nil
}

// NewEventPayload encodes the payload written alongside ladder changes.
func NewEventPayload(v map[string]any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v != nil && strings.TrimSpace(*v) != "" {
			return v
		}
	}
	return nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
