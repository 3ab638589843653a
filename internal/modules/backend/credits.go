package backend

import (
	"sync"

	"github.com/aristath/qloop/internal/domain"
)

// CreditPool is a shared execution quota. Credits are reserved before a job is
// submitted and either committed once it completes or released back to the
// pool when it never ran.
type CreditPool struct {
	mu       sync.Mutex
	balance  int64
	reserved int64
	spent    int64
}

// NewCreditPool creates a pool holding balance credits.
func NewCreditPool(balance int64) *CreditPool {
	if balance < 0 {
		balance = 0
	}
	return &CreditPool{balance: balance}
}

// Reservation holds credits taken from a pool. Exactly one of Commit or
// Release takes effect; later calls are no-ops.
type Reservation struct {
	pool   *CreditPool
	amount int64
	once   sync.Once
}

// Reserve takes amount credits from the pool.
func (p *CreditPool) Reserve(amount int64) (*Reservation, error) {
	if amount < 0 {
		return nil, domain.NewConfigurationError("cannot reserve %d credits", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount > p.balance {
		return nil, &domain.QuotaExceededError{Requested: amount, Available: p.balance}
	}
	p.balance -= amount
	p.reserved += amount
	return &Reservation{pool: p, amount: amount}, nil
}

// Amount returns the reserved credit count.
func (r *Reservation) Amount() int64 {
	return r.amount
}

// Commit marks the reserved credits as spent.
func (r *Reservation) Commit() {
	r.once.Do(func() {
		r.pool.mu.Lock()
		r.pool.reserved -= r.amount
		r.pool.spent += r.amount
		r.pool.mu.Unlock()
	})
}

// Release refunds the reserved credits.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.pool.mu.Lock()
		r.pool.reserved -= r.amount
		r.pool.balance += r.amount
		r.pool.mu.Unlock()
	})
}

// Balance returns the credits available for new reservations.
func (p *CreditPool) Balance() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Spent returns the credits consumed by committed reservations.
func (p *CreditPool) Spent() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spent
}

// Reserved returns the credits held by open reservations.
func (p *CreditPool) Reserved() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}

// Refill adds credits to the pool, optionally capped at max (0 means no cap).
// It returns the new balance.
func (p *CreditPool) Refill(amount, max int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount > 0 {
		p.balance += amount
	}
	if max > 0 && p.balance > max {
		p.balance = max
	}
	return p.balance
}

// CreditsSnapshot is a point-in-time view of a pool.
type CreditsSnapshot struct {
	Balance  int64 `json:"balance"`
	Reserved int64 `json:"reserved"`
	Spent    int64 `json:"spent"`
}

// Snapshot returns all counters under one lock.
func (p *CreditPool) Snapshot() CreditsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return CreditsSnapshot{Balance: p.balance, Reserved: p.reserved, Spent: p.spent}
}
