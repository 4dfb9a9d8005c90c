// Package syncfile implements the Shared-File Synchronizer of §4.4: a
// debounced poll plus an fsnotify directory watch that keeps the account
// pool's account set authoritative against an external JSON file. The dual
// poll+watch structure and the Watcher/handleEvent naming follow the
// teacher's internal/watcher package.
package syncfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/kiro-relay/kiro-relay/internal/account"
)

// PollInterval is the periodic mtime-check cadence (§4.4).
const PollInterval = 5 * time.Second

// ReadTimeout bounds each file read+parse cycle (§5 timeouts).
const ReadTimeout = 2 * time.Second

// Target is the sink the synchronizer swaps accounts into. internal/pool.Pool
// satisfies this via its ReplaceFromSync method.
type Target interface {
	ReplaceFromSync(accounts []*account.Account)
}

// Watcher is the Shared-File Synchronizer.
type Watcher struct {
	path   string
	target Target

	mu            sync.Mutex
	lastSeenMtime time.Time
	warnedEmpty   bool
	syncing       chan struct{} // non-nil while a sync is in flight; callers select on it

	fsw *fsnotify.Watcher
}

// New constructs a synchronizer for the given shared accounts file path.
func New(path string, target Target) *Watcher {
	return &Watcher{path: path, target: target}
}

// Run blocks until ctx is cancelled, performing an initial sync, then
// alternating between the poll ticker and fsnotify directory events.
func (w *Watcher) Run(ctx context.Context) error {
	w.syncOnce(ctx, false)

	dir := filepath.Dir(w.path)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("syncfile: fsnotify unavailable, falling back to poll-only: %v", err)
	} else {
		if err := fsw.Add(dir); err != nil {
			log.Warnf("syncfile: failed to watch %s: %v", dir, err)
			fsw.Close()
			fsw = nil
		} else {
			w.fsw = fsw
			defer fsw.Close()
		}
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fsw != nil {
		events = fsw.Events
		errs = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.syncOnce(ctx, false)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warnf("syncfile: watch error: %v", err)
		}
	}
}

// handleEvent forces a sync when the event names the target file and is a
// write, create, or rename — a rename-swap producer replaces the inode, so
// watching the directory (not the file) is required to observe it.
func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.syncOnce(ctx, true)
}

// ForceSync requests an immediate synchronization regardless of mtime,
// going through the same single-flight gate as the periodic poll.
func (w *Watcher) ForceSync(ctx context.Context) {
	w.syncOnce(ctx, true)
}

// syncOnce is single-flight: concurrent callers attach to the in-flight
// sync's completion rather than issuing their own read.
func (w *Watcher) syncOnce(ctx context.Context, force bool) {
	w.mu.Lock()
	if w.syncing != nil {
		done := w.syncing
		w.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	w.syncing = done
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.syncing = nil
		w.mu.Unlock()
		close(done)
	}()

	w.doSync(ctx, force)
}

func (w *Watcher) doSync(ctx context.Context, force bool) {
	syncCtx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	type readResult struct {
		accounts []*account.Account
		mtime    time.Time
		missing  bool
		err      error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		info, err := os.Stat(w.path)
		if err != nil {
			if os.IsNotExist(err) {
				resultCh <- readResult{missing: true}
				return
			}
			resultCh <- readResult{err: fmt.Errorf("stat %s: %w", w.path, err)}
			return
		}

		w.mu.Lock()
		shouldRead := force || info.ModTime().After(w.lastSeenMtime)
		w.mu.Unlock()
		if !shouldRead {
			resultCh <- readResult{}
			return
		}

		data, err := os.ReadFile(w.path)
		if err != nil {
			resultCh <- readResult{err: fmt.Errorf("read %s: %w", w.path, err)}
			return
		}
		accounts, err := ParseAccountsFile(data)
		if err != nil {
			resultCh <- readResult{err: fmt.Errorf("parse %s: %w", w.path, err)}
			return
		}
		resultCh <- readResult{accounts: accounts, mtime: info.ModTime()}
	}()

	select {
	case <-syncCtx.Done():
		log.Errorf("syncfile: sync of %s timed out", w.path)
		return
	case res := <-resultCh:
		if res.err != nil {
			log.Errorf("syncfile: %v", res.err)
			return
		}
		if res.missing {
			w.mu.Lock()
			alreadyWarned := w.warnedEmpty
			w.warnedEmpty = true
			w.mu.Unlock()
			if !alreadyWarned {
				log.Warnf("syncfile: shared accounts file %s does not exist, treating as empty", w.path)
			}
			w.target.ReplaceFromSync(nil)
			return
		}
		w.mu.Lock()
		w.warnedEmpty = false
		w.mu.Unlock()
		if res.mtime.IsZero() {
			return // not modified since last sync and not forced
		}
		w.mu.Lock()
		w.lastSeenMtime = res.mtime
		w.mu.Unlock()
		log.Infof("syncfile: loaded %d accounts from %s", len(res.accounts), w.path)
		w.target.ReplaceFromSync(res.accounts)
	}
}

// rawRecord captures every camelCase/snake_case spelling a shared file
// element may use, per §6.1.
type rawRecord struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Label  string `json:"label"`
	Status string `json:"status"`

	Provider string `json:"provider"`

	RefreshToken  string `json:"refreshToken"`
	RefreshToken2 string `json:"refresh_token"`
	AccessToken   string `json:"accessToken"`
	AccessToken2  string `json:"access_token"`

	ExpiresAt  json.RawMessage `json:"expiresAt"`
	ExpiresAt2 json.RawMessage `json:"expires_at"`

	MachineID  string `json:"machineId"`
	MachineID2 string `json:"machine_id"`

	ClientID      string `json:"clientId"`
	ClientID2     string `json:"client_id"`
	ClientSecret  string `json:"clientSecret"`
	ClientSecret2 string `json:"client_secret"`

	Region      string `json:"region"`
	ProfileArn  string `json:"profileArn"`
	ProfileArn2 string `json:"profile_arn"`

	AddedAt  json.RawMessage `json:"addedAt"`
	AddedAt2 json.RawMessage `json:"added_at"`
	AddedAt3 json.RawMessage `json:"createdAt"`

	Usage  json.RawMessage `json:"usage"`
	Usage2 json.RawMessage `json:"usageData"`
	Usage3 json.RawMessage `json:"usage_data"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ParseAccountsFile parses and normalizes the shared accounts JSON array.
func ParseAccountsFile(data []byte) ([]*account.Account, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	var raws []rawRecord
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("syncfile: shared file must be a JSON array: %w", err)
	}

	out := make([]*account.Account, 0, len(raws))
	for i, r := range raws {
		refreshToken := firstNonEmpty(r.RefreshToken, r.RefreshToken2)
		if refreshToken == "" {
			log.Warnf("syncfile: record %d missing refreshToken, skipping", i)
			continue
		}

		clientID := firstNonEmpty(r.ClientID, r.ClientID2)
		clientSecret := firstNonEmpty(r.ClientSecret, r.ClientSecret2)

		authMethod := account.AuthMethodSocial
		providerLower := strings.ToLower(r.Provider)
		if clientID != "" && clientSecret != "" ||
			strings.Contains(providerLower, "idc") ||
			strings.Contains(providerLower, "identity center") ||
			strings.Contains(providerLower, "builder") {
			authMethod = account.AuthMethodIDC
		}

		id := r.ID
		if id == "" {
			id = fmt.Sprintf("account-%d", i)
		}

		out = append(out, &account.Account{
			ID:        id,
			Name:      firstNonEmpty(r.Label, r.Email, id),
			Status:    normalizeStatus(r.Status),
			CreatedAt: parseExpiry(firstRawNonEmpty(r.AddedAt, r.AddedAt2, r.AddedAt3)),
			Usage:     parseUsage(firstRawNonEmpty(r.Usage, r.Usage2, r.Usage3)),
			Credentials: account.Credentials{
				RefreshToken: refreshToken,
				AccessToken:  firstNonEmpty(r.AccessToken, r.AccessToken2),
				ExpiresAt:    parseExpiry(firstRawNonEmpty(r.ExpiresAt, r.ExpiresAt2)),
				MachineID:    firstNonEmpty(r.MachineID, r.MachineID2),
				Region:       r.Region,
				AuthMethod:   authMethod,
				ClientID:     clientID,
				ClientSecret: clientSecret,
				ProfileArn:   firstNonEmpty(r.ProfileArn, r.ProfileArn2),
			},
		})
	}
	return out, nil
}

func firstRawNonEmpty(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 && string(v) != "null" {
			return v
		}
	}
	return nil
}

// parseExpiry accepts either an ISO-8601 string or an epoch-millisecond number.
func parseExpiry(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if t, err := time.Parse(time.RFC3339, asString); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(asString, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return time.Time{}
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return time.UnixMilli(asNumber)
	}
	return time.Time{}
}

// parseUsage best-effort decodes the shared file's optional usage blob into
// an account.UsageSnapshot, per §6.1. Unrecognized shapes yield nil rather
// than an error, since usage is purely informational.
func parseUsage(raw json.RawMessage) *account.UsageSnapshot {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var parsed struct {
		RequestsThisWindow  int             `json:"requestsThisWindow"`
		RequestsThisWindow2 int             `json:"requests_this_window"`
		WindowResetAt       json.RawMessage `json:"windowResetAt"`
		WindowResetAt2      json.RawMessage `json:"window_reset_at"`
		EstimatedTokens     int64           `json:"estimatedTokens"`
		EstimatedTokens2    int64           `json:"estimated_tokens"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}

	requests := parsed.RequestsThisWindow
	if requests == 0 {
		requests = parsed.RequestsThisWindow2
	}
	tokens := parsed.EstimatedTokens
	if tokens == 0 {
		tokens = parsed.EstimatedTokens2
	}

	return &account.UsageSnapshot{
		RequestsThisWindow: requests,
		WindowResetAt:      parseExpiry(firstRawNonEmpty(parsed.WindowResetAt, parsed.WindowResetAt2)),
		EstimatedTokens:    tokens,
	}
}

// normalizeStatus maps the shared file's free-text, multilingual status
// strings to the engine's closed Status enum, per §6.1.
func normalizeStatus(raw string) account.Status {
	lower := strings.ToLower(raw)
	switch {
	case containsAny(lower, "invalid", "ban", "封禁", "失效"):
		return account.StatusInvalid
	case containsAny(lower, "disabled", "禁用"):
		return account.StatusDisabled
	case containsAny(lower, "cooldown", "冷却"):
		return account.StatusCooldown
	default:
		return account.StatusActive
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
