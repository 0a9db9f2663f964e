// Package railtest provides an in-memory rail.Client that counts calls,
// tracks concurrency, and can be scripted to fail.
package railtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/rail"
)

// Fake implements rail.Client.
type Fake struct {
	mu sync.Mutex

	// Delay is applied inside every call while it is counted as in flight.
	Delay time.Duration
	// PageSize bounds ListTransfers pages; defaults to 2 so pagination is exercised.
	PageSize int
	// DuplicateAsError makes a repeated key return a KindDuplicate error
	// instead of replaying the stored transfer or payout.
	DuplicateAsError bool
	// FailDestinations scripts CreateTransfer failures per destination.
	FailDestinations map[string]error
	// FailTimes is how many consecutive calls for a destination fail before
	// success. Zero means always.
	FailTimes map[string]int
	// CommitThenFail records the next transfer or payout and then returns
	// this error, simulating a timeout after the rail applied the request.
	CommitThenFail error
	// ListErrOnPage fails ListTransfers when that zero-based page is requested.
	ListErrOnPage int

	Accounts map[string]*domain.Account

	transfers    map[string]*rail.Transfer // by idempotency key
	order        []string
	payouts      map[string]*rail.Payout
	reversals    map[string]*rail.Reversal
	failCounts   map[string]int
	seq          int
	calls        map[string]int
	inFlight     int
	maxInFlight  int
	Listed       []rail.ListTransfersParams
	LastTransfer rail.TransferParams
	LastPayout   rail.PayoutParams
	LastReversal rail.ReversalParams
}

func New() *Fake {
	return &Fake{
		PageSize:         2,
		ListErrOnPage:    -1,
		FailDestinations: make(map[string]error),
		FailTimes:        make(map[string]int),
		Accounts:         make(map[string]*domain.Account),
		transfers:        make(map[string]*rail.Transfer),
		payouts:          make(map[string]*rail.Payout),
		reversals:        make(map[string]*rail.Reversal),
		failCounts:       make(map[string]int),
		calls:            make(map[string]int),
	}
}

func (f *Fake) enter(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.Delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (f *Fake) exit() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// MaxInFlight is the high-water mark of concurrent calls.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Transfers returns how many distinct transfers actually moved money.
func (f *Fake) Transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// AddAccount registers an account; returns it for further tweaking.
func (f *Fake) AddAccount(a *domain.Account) *domain.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.DeriveStatus()
	f.Accounts[a.ID] = a
	return a
}

// SeedTransfer stores a transfer as if created earlier, without counting a call.
func (f *Fake) SeedTransfer(t rail.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := t.Group
	if key == "" {
		f.seq++
		key = "seed_" + strconv.Itoa(f.seq)
	}
	cp := t
	f.transfers[key] = &cp
	f.order = append(f.order, key)
}

func (f *Fake) CreateTransfer(ctx context.Context, p rail.TransferParams) (*rail.Transfer, error) {
	f.enter("CreateTransfer")
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.LastTransfer = p

	if err := ctx.Err(); err != nil {
		return nil, &rail.Error{Kind: domain.KindTransient, Code: "timeout", OutcomeUnknown: true, Err: err}
	}
	if existing, ok := f.transfers[p.IdempotencyKey]; ok {
		if f.DuplicateAsError {
			return nil, &rail.Error{Kind: domain.KindDuplicate, Code: "idempotency_error", Err: fmt.Errorf("key %s already used", p.IdempotencyKey)}
		}
		cp := *existing
		return &cp, nil
	}
	if err, ok := f.FailDestinations[p.Destination]; ok {
		limit := f.FailTimes[p.Destination]
		if limit == 0 || f.failCounts[p.Destination] < limit {
			f.failCounts[p.Destination]++
			return nil, err
		}
	}

	f.seq++
	t := &rail.Transfer{
		ID:          "tr_" + strconv.Itoa(f.seq),
		Amount:      p.Amount,
		Currency:    p.Currency,
		Destination: p.Destination,
		Group:       p.IdempotencyKey,
		Metadata:    p.Metadata,
		Created:     time.Now().UTC(),
	}
	f.transfers[p.IdempotencyKey] = t
	f.order = append(f.order, p.IdempotencyKey)

	if f.CommitThenFail != nil {
		err := f.CommitThenFail
		f.CommitThenFail = nil
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (f *Fake) FindTransferByKey(ctx context.Context, key string) (*rail.Transfer, error) {
	f.enter("FindTransferByKey")
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transfers[key]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (f *Fake) CreatePayout(ctx context.Context, p rail.PayoutParams) (*rail.Payout, error) {
	f.enter("CreatePayout")
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.LastPayout = p

	if existing, ok := f.payouts[p.IdempotencyKey]; ok {
		if f.DuplicateAsError {
			return nil, &rail.Error{Kind: domain.KindDuplicate, Code: "idempotency_error", Err: fmt.Errorf("key %s already used", p.IdempotencyKey)}
		}
		cp := *existing
		return &cp, nil
	}
	if _, ok := f.Accounts[p.AccountID]; !ok {
		return nil, &rail.Error{Kind: domain.KindNotFound, Code: "resource_missing", Err: fmt.Errorf("no account %s", p.AccountID)}
	}
	f.seq++
	po := &rail.Payout{
		ID:        "po_" + strconv.Itoa(f.seq),
		AccountID: p.AccountID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Status:    "pending",
	}
	f.payouts[p.IdempotencyKey] = po

	if f.CommitThenFail != nil {
		err := f.CommitThenFail
		f.CommitThenFail = nil
		return nil, err
	}
	cp := *po
	return &cp, nil
}

func (f *Fake) FindPayoutByKey(ctx context.Context, accountID, key string) (*rail.Payout, error) {
	f.enter("FindPayoutByKey")
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	if po, ok := f.payouts[key]; ok && po.AccountID == accountID {
		cp := *po
		return &cp, nil
	}
	return nil, nil
}

func (f *Fake) ReverseTransfer(ctx context.Context, p rail.ReversalParams) (*rail.Reversal, error) {
	f.enter("ReverseTransfer")
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.LastReversal = p

	if existing, ok := f.reversals[p.IdempotencyKey]; ok {
		cp := *existing
		return &cp, nil
	}
	var target *rail.Transfer
	for _, t := range f.transfers {
		if t.ID == p.TransferID {
			target = t
		}
	}
	if target == nil {
		return nil, &rail.Error{Kind: domain.KindNotFound, Code: "resource_missing", Err: fmt.Errorf("no transfer %s", p.TransferID)}
	}
	remaining := target.Amount - target.AmountReversed
	amount := p.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount > remaining {
		return nil, &rail.Error{Kind: domain.KindValidation, Code: "amount_too_large", Err: fmt.Errorf("reversal exceeds remaining %d", remaining)}
	}
	target.AmountReversed += amount

	f.seq++
	r := &rail.Reversal{
		ID:         "trr_" + strconv.Itoa(f.seq),
		TransferID: p.TransferID,
		Amount:        amount,
		TotalReversed: target.AmountReversed,
		Full:          target.AmountReversed == target.Amount,
	}
	f.reversals[p.IdempotencyKey] = r
	cp := *r
	return &cp, nil
}

func (f *Fake) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	f.enter("GetAccount")
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Accounts[id]
	if !ok {
		return nil, &rail.Error{Kind: domain.KindNotFound, Code: "resource_missing", Err: fmt.Errorf("no account %s", id)}
	}
	cp := *a
	return &cp, nil
}

// ListTransfers pages through stored transfers for a destination in creation
// order, PageSize at a time, using the last id as the cursor.
func (f *Fake) ListTransfers(ctx context.Context, p rail.ListTransfersParams) (*rail.TransferPage, error) {
	f.enter("ListTransfers")
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Listed = append(f.Listed, p)

	if f.ListErrOnPage >= 0 && len(f.Listed)-1 == f.ListErrOnPage {
		return nil, &rail.Error{Kind: domain.KindTransient, Code: "api_error", OutcomeUnknown: true, Err: fmt.Errorf("page %d unavailable", f.ListErrOnPage)}
	}

	var matching []*rail.Transfer
	for _, key := range f.order {
		t := f.transfers[key]
		if t.Destination != p.Destination {
			continue
		}
		if !p.CreatedFrom.IsZero() && t.Created.Before(p.CreatedFrom) {
			continue
		}
		if !p.CreatedTo.IsZero() && !t.Created.Before(p.CreatedTo) {
			continue
		}
		matching = append(matching, t)
	}
	sort.SliceStable(matching, func(i, j int) bool { return matching[i].Created.Before(matching[j].Created) })

	start := 0
	if p.Cursor != "" {
		for i, t := range matching {
			if t.ID == p.Cursor {
				start = i + 1
				break
			}
		}
	}
	size := f.PageSize
	if size <= 0 {
		size = 2
	}
	end := start + size
	if end > len(matching) {
		end = len(matching)
	}

	page := &rail.TransferPage{HasMore: end < len(matching)}
	for _, t := range matching[start:end] {
		page.Transfers = append(page.Transfers, *t)
	}
	if n := len(page.Transfers); n > 0 {
		page.NextCursor = page.Transfers[n-1].ID
	}
	return page, nil
}

var _ rail.Client = (*Fake)(nil)
