package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var transferEdges = map[TransferStatus][]TransferStatus{
	TransferPending:   {TransferInFlight, TransferSucceeded, TransferFailed},
	TransferInFlight:  {TransferSucceeded, TransferFailed},
	TransferSucceeded: {TransferReversed},
	// failed rows are re-armed when a batch retries the same key
	TransferFailed: {TransferPending},
}

// CanTransitionTransfer reports whether from -> to is a legal edge.
func CanTransitionTransfer(from, to TransferStatus) bool {
	for _, s := range transferEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransferSourcesFor lists every state that may legally move to `to`.
func TransferSourcesFor(to TransferStatus) []TransferStatus {
	var out []TransferStatus
	for from, tos := range transferEdges {
		for _, s := range tos {
			if s == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// CanTransitionPayout only allows leaving processing; terminal states stay put.
func CanTransitionPayout(from, to PayoutStatus) bool {
	return from == PayoutProcessing && to != PayoutProcessing
}

// Period is a disbursement window, identified by its ISO week.
type Period struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PeriodFor returns the ISO week containing t, [Monday 00:00 UTC, next Monday).
func PeriodFor(t time.Time) Period {
	t = t.UTC()
	year, week := t.ISOWeek()
	offset := (int(t.Weekday()) + 6) % 7
	start := time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
	return Period{
		ID:    fmt.Sprintf("%04d-W%02d", year, week),
		Start: start,
		End:   start.AddDate(0, 0, 7),
	}
}

// ParsePeriod parses an identifier produced by PeriodFor.
func ParsePeriod(id string) (Period, error) {
	y, w, ok := strings.Cut(id, "-W")
	year, yerr := strconv.Atoi(y)
	week, werr := strconv.Atoi(w)
	if !ok || yerr != nil || werr != nil || week < 1 || week > 53 {
		return Period{}, Validation("parse period", "period must look like 2026-W07")
	}
	// Jan 4th is always in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	p := PeriodFor(jan4.AddDate(0, 0, (week-1)*7))
	if p.ID != id {
		return Period{}, Validation("parse period", "period does not exist")
	}
	return p, nil
}
