package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// MemoryStore mirrors LedgerStore's semantics in process. It backs the tests
// and local dry runs; every write is a compare-and-swap under one mutex.
type MemoryStore struct {
	mu sync.Mutex

	seq          int64
	transfers    map[string]*domain.Transfer // by idempotency key
	payouts      map[string]*domain.Payout   // by idempotency key
	accounts     map[string]*domain.Account
	credits      map[string]Credit
	balances     map[string]int64
	failures     map[string]paymentFailure
	pausedPayers map[string]string
	disputes     map[string]*domain.Dispute
	events       map[string]*EventRecord

	// FailCount makes CountPaymentFailures return this error when set.
	FailCount error
}

type paymentFailure struct {
	payerID string
	at      time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers:    make(map[string]*domain.Transfer),
		payouts:      make(map[string]*domain.Payout),
		accounts:     make(map[string]*domain.Account),
		credits:      make(map[string]Credit),
		balances:     make(map[string]int64),
		failures:     make(map[string]paymentFailure),
		pausedPayers: make(map[string]string),
		disputes:     make(map[string]*domain.Dispute),
		events:       make(map[string]*EventRecord),
	}
}

func copyTransfer(t *domain.Transfer) *domain.Transfer {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) InsertTransfer(ctx context.Context, t *domain.Transfer) (*domain.Transfer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.transfers[t.IdempotencyKey]; ok {
		return copyTransfer(existing), false, nil
	}
	if t.Amount <= 0 {
		return nil, false, fmt.Errorf("transfer insert failed: amount must be positive")
	}
	m.seq++
	row := copyTransfer(t)
	row.ID = m.seq
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	m.transfers[t.IdempotencyKey] = row
	return copyTransfer(row), true, nil
}

func (m *MemoryStore) GetTransferByKey(ctx context.Context, key string) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transfers[key]; ok {
		return copyTransfer(t), nil
	}
	return nil, notFound("transfer", nil)
}

func (m *MemoryStore) GetTransferByRailID(ctx context.Context, railID string) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.transferByRailID(railID); t != nil {
		return copyTransfer(t), nil
	}
	return nil, notFound("transfer", nil)
}

func (m *MemoryStore) transferByRailID(railID string) *domain.Transfer {
	if railID == "" {
		return nil
	}
	for _, t := range m.transfers {
		if t.RailID == railID {
			return t
		}
	}
	return nil
}

func (m *MemoryStore) TransitionTransfer(ctx context.Context, key string, to domain.TransferStatus, u TransferUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyTransfer(m.transfers[key], to, u), nil
}

func (m *MemoryStore) TransitionTransferByRailID(ctx context.Context, railID string, to domain.TransferStatus, u TransferUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyTransfer(m.transferByRailID(railID), to, u), nil
}

func (m *MemoryStore) applyTransfer(t *domain.Transfer, to domain.TransferStatus, u TransferUpdate) bool {
	if t == nil || !slices.Contains(domain.TransferSourcesFor(to), t.Status) {
		return false
	}
	t.Status = to
	if u.RailID != "" {
		t.RailID = u.RailID
	}
	t.FailureReason = u.FailureReason
	t.UpdatedAt = time.Now().UTC()
	return true
}

func (m *MemoryStore) RecordReversal(ctx context.Context, railID string, total int64, full bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.transferByRailID(railID)
	if t == nil || t.Status != domain.TransferSucceeded {
		return false, nil
	}
	t.AmountReversed = min(t.Amount, max(t.AmountReversed, total))
	if full {
		t.Status = domain.TransferReversed
	}
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) InsertPayout(ctx context.Context, p *domain.Payout) (*domain.Payout, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.payouts[p.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	m.seq++
	row := *p
	row.ID = m.seq
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	m.payouts[p.IdempotencyKey] = &row
	cp := row
	return &cp, true, nil
}

func (m *MemoryStore) GetPayoutByKey(ctx context.Context, key string) (*domain.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payouts[key]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, notFound("payout", nil)
}

func (m *MemoryStore) GetPayoutByRailID(ctx context.Context, railID string) (*domain.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.payoutByRailID(railID); p != nil {
		cp := *p
		return &cp, nil
	}
	return nil, notFound("payout", nil)
}

func (m *MemoryStore) payoutByRailID(railID string) *domain.Payout {
	if railID == "" {
		return nil
	}
	for _, p := range m.payouts {
		if p.RailID == railID {
			return p
		}
	}
	return nil
}

func (m *MemoryStore) AttachPayoutRailID(ctx context.Context, key, railID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payouts[key]; ok && p.RailID == "" {
		p.RailID = railID
		p.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) TransitionPayout(ctx context.Context, key string, to domain.PayoutStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return applyPayout(m.payouts[key], to, reason), nil
}

func (m *MemoryStore) TransitionPayoutByRailID(ctx context.Context, railID string, to domain.PayoutStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return applyPayout(m.payoutByRailID(railID), to, reason), nil
}

func applyPayout(p *domain.Payout, to domain.PayoutStatus, reason string) bool {
	if p == nil || !domain.CanTransitionPayout(p.Status, to) {
		return false
	}
	p.Status = to
	p.FailureReason = reason
	p.UpdatedAt = time.Now().UTC()
	return true
}

func (m *MemoryStore) CancelPayoutsForTransfer(ctx context.Context, transferRailID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if transferRailID == "" {
		return 0, nil
	}
	var n int64
	for _, p := range m.payouts {
		if p.TransferID == transferRailID && applyPayout(p, domain.PayoutCancelled, reason) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		cp := *a
		cp.Requirements = slices.Clone(a.Requirements)
		return &cp, nil
	}
	return nil, notFound("account", nil)
}

func (m *MemoryStore) UpsertAccountCapabilities(ctx context.Context, a *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := *a
	row.Requirements = slices.Clone(a.Requirements)
	row.DeriveStatus()
	if existing, ok := m.accounts[a.ID]; ok && row.PayeeID == "" {
		row.PayeeID = existing.PayeeID
	}
	row.UpdatedAt = time.Now().UTC()
	m.accounts[a.ID] = &row
	return nil
}

func (m *MemoryStore) CreditBalance(ctx context.Context, c Credit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credits[c.SourceID]; ok {
		return false, nil
	}
	m.credits[c.SourceID] = c
	m.balances[c.OwnerID+"/"+c.Currency] += c.Amount
	return true, nil
}

func (m *MemoryStore) Balance(ctx context.Context, ownerID, currency string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[ownerID+"/"+currency], nil
}

func (m *MemoryStore) RecordPaymentFailure(ctx context.Context, payerID, paymentID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.failures[paymentID]; ok {
		return false, nil
	}
	m.failures[paymentID] = paymentFailure{payerID: payerID, at: at}
	return true, nil
}

func (m *MemoryStore) CountPaymentFailures(ctx context.Context, payerID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCount != nil {
		return 0, m.FailCount
	}
	n := 0
	for _, f := range m.failures {
		if f.payerID == payerID && !f.at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PausePayerSpending(ctx context.Context, payerID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pausedPayers[payerID]; ok {
		return false, nil
	}
	m.pausedPayers[payerID] = reason
	return true, nil
}

// PayerPaused reports whether spending is paused for payerID.
func (m *MemoryStore) PayerPaused(payerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pausedPayers[payerID]
	return ok
}

func (m *MemoryStore) UpsertDispute(ctx context.Context, d *domain.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *d
	row.UpdatedAt = time.Now().UTC()
	m.disputes[d.RailID] = &row
	return nil
}

// Dispute returns the stored dispute or nil.
func (m *MemoryStore) Dispute(railID string) *domain.Dispute {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.disputes[railID]; ok {
		cp := *d
		return &cp
	}
	return nil
}

func (m *MemoryStore) ClaimEvent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; ok {
		return false, nil
	}
	m.events[e.ID] = &EventRecord{EventID: e.ID, Type: e.Type, ReceivedAt: e.ReceivedAt}
	return true, nil
}

func (m *MemoryStore) CompleteEvent(ctx context.Context, eventID, processingErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.events[eventID]; ok {
		now := time.Now().UTC()
		r.ProcessedAt = &now
		r.ProcessingError = processingErr
	}
	return nil
}

func (m *MemoryStore) ReleaseEvent(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, eventID)
	return nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.events[eventID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, notFound("event", nil)
}

// CountTransfers returns how many rows are in status.
func (m *MemoryStore) CountTransfers(status domain.TransferStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.transfers {
		if t.Status == status {
			n++
		}
	}
	return n
}
