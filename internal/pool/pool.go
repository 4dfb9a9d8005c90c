// Package pool implements the Account Pool of §4.3: account selection under
// three rotation policies, per-account counters, and the cooldown/invalidation
// state machine. It generalizes the teacher's sdk/cliproxy/auth.Manager and
// its Selector interface (RoundRobinSelector, FillFirstSelector) from
// provider routing to account rotation.
package pool

import (
	"math/rand"
	"sync"
	"time"

	"github.com/kiro-relay/kiro-relay/internal/account"
	"github.com/kiro-relay/kiro-relay/internal/apperror"
	log "github.com/sirupsen/logrus"
)

// Policy enumerates the selection policies of §4.3.
type Policy string

const (
	PolicyRoundRobin Policy = "round-robin"
	PolicyRandom     Policy = "random"
	PolicyLeastUsed  Policy = "least-used"
)

// CooldownDuration is the fixed, non-configurable auto-recovery delay noted
// in the design document's open-questions section.
const CooldownDuration = 5 * time.Minute

// Selection is the result of a successful Select call.
type Selection struct {
	AccountID string
	Account   *account.Account
}

// Pool owns the account map, the round-robin cursor, and the cooldown
// timers. It is safe for concurrent use.
type Pool struct {
	mu sync.RWMutex

	accounts map[string]*account.Account
	// insertionOrder preserves the order accounts were added/loaded, used to
	// break least-used ties and to give round-robin/random a stable base slice.
	insertionOrder []string

	policy Policy
	cursor int

	// sharedMode forbids write operations (add/remove/enable/disable) per §4.4.
	sharedMode bool

	// cooldownTimers tracks the pending auto-recovery timer per account so a
	// manual recover or later invalidation can cancel it.
	cooldownTimers map[string]*time.Timer

	// now is overridable in tests.
	now func() time.Time
}

// New constructs an empty pool using the given selection policy.
func New(policy Policy) *Pool {
	if policy == "" {
		policy = PolicyRoundRobin
	}
	return &Pool{
		accounts:       make(map[string]*account.Account),
		cooldownTimers: make(map[string]*time.Timer),
		policy:         policy,
		now:            time.Now,
	}
}

// SetPolicy swaps the active selection policy.
func (p *Pool) SetPolicy(policy Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
	p.cursor = 0
}

// SetSharedMode toggles whether write operations are rejected (§4.4).
func (p *Pool) SetSharedMode(shared bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sharedMode = shared
}

var errSharedMode = apperror.New(apperror.KindConfigurationError, "pool: write rejected, pool is in shared mode")

// Add inserts an account, defaulting an empty Status to StatusActive.
// Rejected in shared mode.
func (p *Pool) Add(a *account.Account) error {
	if a == nil || a.ID == "" {
		return apperror.New(apperror.KindConfigurationError, "pool: account must have a non-empty id")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sharedMode {
		return errSharedMode
	}
	if _, exists := p.accounts[a.ID]; !exists {
		p.insertionOrder = append(p.insertionOrder, a.ID)
	}
	if a.Status == "" {
		a.Status = account.StatusActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = p.now()
	}
	p.accounts[a.ID] = a
	return nil
}

// Remove deletes an account. Rejected in shared mode.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sharedMode {
		return errSharedMode
	}
	p.removeLocked(id)
	return nil
}

func (p *Pool) removeLocked(id string) {
	delete(p.accounts, id)
	if timer, ok := p.cooldownTimers[id]; ok {
		timer.Stop()
		delete(p.cooldownTimers, id)
	}
	for i, existing := range p.insertionOrder {
		if existing == id {
			p.insertionOrder = append(p.insertionOrder[:i], p.insertionOrder[i+1:]...)
			break
		}
	}
}

// Get returns a clone of the named account, or nil if absent.
func (p *Pool) Get(id string) *account.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accounts[id].Clone()
}

// List returns clones of every account, insertion-ordered.
func (p *Pool) List() []*account.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*account.Account, 0, len(p.insertionOrder))
	for _, id := range p.insertionOrder {
		if a, ok := p.accounts[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Select chooses an eligible account under the active policy and records the
// selection (counters, lastUsedAt, cursor) atomically with the choice.
func (p *Pool) Select() (Selection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := p.eligibleLocked()
	if len(eligible) == 0 {
		return Selection{}, apperror.New(apperror.KindNoAvailableAccount, "pool: no active account available")
	}

	var chosen *account.Account
	switch p.policy {
	case PolicyRandom:
		chosen = eligible[rand.Intn(len(eligible))]
	case PolicyLeastUsed:
		chosen = leastUsed(eligible)
	default: // round-robin
		idx := p.cursor % len(eligible)
		chosen = eligible[idx]
		p.cursor++
	}

	now := p.now()
	chosen.RequestCount++
	chosen.LastUsedAt = &now

	return Selection{AccountID: chosen.ID, Account: chosen.Clone()}, nil
}

func (p *Pool) eligibleLocked() []*account.Account {
	eligible := make([]*account.Account, 0, len(p.insertionOrder))
	for _, id := range p.insertionOrder {
		a := p.accounts[id]
		if a != nil && a.Selectable() {
			eligible = append(eligible, a)
		}
	}
	return eligible
}

func leastUsed(eligible []*account.Account) *account.Account {
	best := eligible[0]
	for _, a := range eligible[1:] {
		if a.RequestCount < best.RequestCount {
			best = a
		}
	}
	return best
}

// UpdateCredentials writes back a refreshed credential set for an account,
// satisfying credstore.AccountSource. It does not alter the account's
// status or counters.
func (p *Pool) UpdateCredentials(id string, creds account.Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok {
		return apperror.New(apperror.KindConfigurationError, "pool: unknown account "+id)
	}
	a.Credentials = creds
	return nil
}

// RecordError increments the account's error counter and, if isRateLimit,
// transitions it to cooldown and schedules the 5-minute auto-recovery timer.
func (p *Pool) RecordError(id string, isRateLimit bool) {
	p.mu.Lock()
	a, ok := p.accounts[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	a.ErrorCount++
	if isRateLimit && a.Status == account.StatusActive {
		a.Status = account.StatusCooldown
		p.scheduleRecoveryLocked(id)
	}
	p.mu.Unlock()
}

// scheduleRecoveryLocked must be called with p.mu held.
func (p *Pool) scheduleRecoveryLocked(id string) {
	if existing, ok := p.cooldownTimers[id]; ok {
		existing.Stop()
	}
	p.cooldownTimers[id] = time.AfterFunc(CooldownDuration, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		a, ok := p.accounts[id]
		if !ok {
			delete(p.cooldownTimers, id)
			return
		}
		// Re-check the account's state under lock: a manual recovery or a
		// later invalidation/disable short-circuits the automatic transition.
		if a.Status == account.StatusCooldown {
			a.Status = account.StatusActive
			log.WithField("account_id", id).Debug("pool: cooldown expired, account returned to active")
		}
		delete(p.cooldownTimers, id)
	})
}

// MarkInvalid transitions the account to invalid unconditionally, cancelling
// any pending cooldown-recovery timer.
func (p *Pool) MarkInvalid(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok {
		return
	}
	a.Status = account.StatusInvalid
	if timer, ok := p.cooldownTimers[id]; ok {
		timer.Stop()
		delete(p.cooldownTimers, id)
	}
}

// RecoverCooldown moves the named account from cooldown back to active, if
// it is currently in cooldown.
func (p *Pool) RecoverCooldown(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok || a.Status != account.StatusCooldown {
		return
	}
	a.Status = account.StatusActive
	if timer, ok := p.cooldownTimers[id]; ok {
		timer.Stop()
		delete(p.cooldownTimers, id)
	}
}

// RecoverAllCooldowns moves every cooldown account back to active.
func (p *Pool) RecoverAllCooldowns() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, a := range p.accounts {
		if a.Status == account.StatusCooldown {
			a.Status = account.StatusActive
			if timer, ok := p.cooldownTimers[id]; ok {
				timer.Stop()
				delete(p.cooldownTimers, id)
			}
		}
	}
}

// Enable moves an account from disabled to active. Rejected in shared mode.
func (p *Pool) Enable(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sharedMode {
		return errSharedMode
	}
	if a, ok := p.accounts[id]; ok && a.Status == account.StatusDisabled {
		a.Status = account.StatusActive
	}
	return nil
}

// Disable moves an account from active to disabled. Rejected in shared mode.
func (p *Pool) Disable(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sharedMode {
		return errSharedMode
	}
	if a, ok := p.accounts[id]; ok && a.Status == account.StatusActive {
		a.Status = account.StatusDisabled
		if timer, ok := p.cooldownTimers[id]; ok {
			timer.Stop()
			delete(p.cooldownTimers, id)
		}
	}
	return nil
}

// ResetCounters zeroes an account's request/error counters and returns it to
// active, used by the admin "reset" operation of §6.2.
func (p *Pool) ResetCounters(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok {
		return
	}
	a.RequestCount = 0
	a.ErrorCount = 0
	a.Status = account.StatusActive
	if timer, ok := p.cooldownTimers[id]; ok {
		timer.Stop()
		delete(p.cooldownTimers, id)
	}
}

// Snapshot describes the pool's aggregate state for the admin credentials
// listing (§6.2).
type Snapshot struct {
	Total     int
	Available int
	CurrentID string
	Accounts  []*account.Account
}

// Describe returns an admin-facing snapshot, accounts sorted by insertion order.
func (p *Pool) Describe() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := Snapshot{Total: len(p.insertionOrder)}
	for _, id := range p.insertionOrder {
		a := p.accounts[id]
		if a == nil {
			continue
		}
		if a.Status == account.StatusActive {
			snap.Available++
		}
		snap.Accounts = append(snap.Accounts, a.Clone())
	}
	if len(p.insertionOrder) > 0 {
		eligible := p.eligibleLocked()
		if len(eligible) > 0 {
			idx := p.cursor % len(eligible)
			snap.CurrentID = eligible[idx].ID
		}
	}
	return snap
}

// ReplaceFromSync installs a completely new account set, preserving runtime
// counters and a cooldown status for accounts present in both the old and
// new set, per §4.4. Accounts absent from newAccounts are dropped; existing
// cooldown timers for dropped/changed accounts are stopped. Called by the
// shared-file synchronizer after each successful reload, regardless of
// shared-mode, since this is not the Add/Remove/Enable/Disable write path.
func (p *Pool) ReplaceFromSync(newAccounts []*account.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()

	oldAccounts := p.accounts

	next := make(map[string]*account.Account, len(newAccounts))
	nextOrder := make([]string, 0, len(newAccounts))
	for _, incoming := range newAccounts {
		if incoming == nil || incoming.ID == "" {
			continue
		}
		merged := incoming
		if existing, ok := oldAccounts[incoming.ID]; ok && existing != nil {
			merged.RequestCount = existing.RequestCount
			merged.ErrorCount = existing.ErrorCount
			merged.LastUsedAt = existing.LastUsedAt
			if existing.Status == account.StatusCooldown {
				merged.Status = account.StatusCooldown
			}
		}
		next[incoming.ID] = merged
		nextOrder = append(nextOrder, incoming.ID)
	}

	for id, timer := range p.cooldownTimers {
		if a, ok := next[id]; !ok || a.Status != account.StatusCooldown {
			timer.Stop()
			delete(p.cooldownTimers, id)
		}
	}
	for _, a := range next {
		if a.Status == account.StatusCooldown {
			if _, hasTimer := p.cooldownTimers[a.ID]; !hasTimer {
				p.scheduleRecoveryLocked(a.ID)
			}
		}
	}

	p.accounts = next
	p.insertionOrder = nextOrder
	p.cursor = 0
}
