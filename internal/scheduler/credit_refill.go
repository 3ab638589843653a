package scheduler

import (
	"github.com/aristath/qloop/internal/events"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/rs/zerolog"
)

// CreditRefillJob tops up a credit pool, capped at a ceiling
type CreditRefillJob struct {
	pool    *backend.CreditPool
	name    string
	amount  int64
	ceiling int64
	bus     *events.Bus
	log     zerolog.Logger
}

// NewCreditRefillJob creates a refill job for the named pool. ceiling 0
// means uncapped; bus may be nil.
func NewCreditRefillJob(pool *backend.CreditPool, name string, amount, ceiling int64, bus *events.Bus, log zerolog.Logger) *CreditRefillJob {
	return &CreditRefillJob{
		pool:    pool,
		name:    name,
		amount:  amount,
		ceiling: ceiling,
		bus:     bus,
		log:     log.With().Str("job", "credit_refill").Str("pool", name).Logger(),
	}
}

// Name returns the job name
func (j *CreditRefillJob) Name() string {
	return "credit_refill_" + j.name
}

// Run executes the refill
func (j *CreditRefillJob) Run() error {
	before := j.pool.Balance()
	balance := j.pool.Refill(j.amount, j.ceiling)
	added := balance - before

	j.log.Info().
		Int64("added", added).
		Int64("balance", balance).
		Msg("Credits refilled")

	if j.bus != nil {
		j.bus.Emit("scheduler", &events.CreditsRefilledData{
			Pool:    j.name,
			Added:   added,
			Balance: balance,
		})
	}
	return nil
}
