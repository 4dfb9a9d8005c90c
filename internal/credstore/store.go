// Package credstore implements the Credential Store and Token Refresher of
// §4.2: a cached-access-token lookup per account with account-serialized
// refresh. Single-flight refresh is hand-rolled the same way the teacher
// guards its own background work with sync.Once in service.go and
// managementasset/updater.go, since no pack example imports
// golang.org/x/sync/singleflight.
package credstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/kiro-relay/kiro-relay/internal/account"
	"github.com/kiro-relay/kiro-relay/internal/apperror"
	"github.com/kiro-relay/kiro-relay/internal/upstream"
	log "github.com/sirupsen/logrus"
)

// SafetyMargin is the minimum remaining token lifetime before a refresh is
// triggered (§3, Credentials invariants).
const SafetyMargin = 60 * time.Second

// RefreshTimeout bounds each refresh HTTP call (§5 timeouts).
const RefreshTimeout = 30 * time.Second

// SafetyCapTTL bounds how far into the future a refreshed credential's
// expiry may be set, regardless of what the upstream reports, so a
// misbehaving or inflated expiresIn cannot pin an account as valid far
// longer than intended.
const SafetyCapTTL = 1 * time.Hour

// defaultSocialRefreshURL and defaultIDCRefreshURL are the two upstream refresh endpoints.
// Concrete values are configuration, not code, per §4.2; these are the
// documented defaults used when configuration supplies none.
const (
	defaultSocialRefreshURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
	defaultIDCRefreshURL    = "https://oidc.us-east-1.amazonaws.com/token"
)

// Endpoints configures where each auth-method variant refreshes against.
type Endpoints struct {
	SocialURL string
	IDCURL    string
}

func (e Endpoints) socialURL() string {
	if e.SocialURL != "" {
		return e.SocialURL
	}
	return defaultSocialRefreshURL
}

func (e Endpoints) idcURL() string {
	if e.IDCURL != "" {
		return e.IDCURL
	}
	return defaultIDCRefreshURL
}

// AccountSource is the minimal view the store needs of the pool: read the
// current credentials for an account and write back a refreshed set.
type AccountSource interface {
	Get(id string) *account.Account
	UpdateCredentials(id string, creds account.Credentials) error
	MarkInvalid(id string)
}

// inflight represents one pending refresh; callers that arrive while a
// refresh is running attach to the same channel instead of issuing their own
// HTTP call.
type inflight struct {
	done chan struct{}
	err  error
}

// Store is the Credential Store. It owns no account data itself beyond the
// single-flight bookkeeping; the account records live in the pool, reached
// through AccountSource.
type Store struct {
	source    AccountSource
	client    *http.Client
	endpoints Endpoints
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflight
}

// New constructs a Store using the given proxy-aware client.
func New(source AccountSource, client *http.Client, endpoints Endpoints) *Store {
	return &Store{
		source:    source,
		client:    client,
		endpoints: endpoints,
		now:       time.Now,
		inflight:  make(map[string]*inflight),
	}
}

// EnsureValidToken returns the cached access token if it still has the
// safety margin of life left, else refreshes (possibly sharing an in-flight
// refresh with a concurrent caller) and returns the new token.
func (s *Store) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	a := s.source.Get(accountID)
	if a == nil {
		return "", apperror.New(apperror.KindConfigurationError, fmt.Sprintf("credstore: unknown account %q", accountID))
	}
	if a.Credentials.Valid(s.now(), SafetyMargin) {
		return a.Credentials.AccessToken, nil
	}
	if err := s.refresh(ctx, accountID); err != nil {
		return "", err
	}
	refreshed := s.source.Get(accountID)
	if refreshed == nil {
		return "", apperror.New(apperror.KindConfigurationError, fmt.Sprintf("credstore: account %q disappeared during refresh", accountID))
	}
	return refreshed.Credentials.AccessToken, nil
}

// refresh performs account-serialized token refresh: at most one HTTP call
// per account at a time, with concurrent callers sharing its result.
func (s *Store) refresh(ctx context.Context, accountID string) error {
	s.mu.Lock()
	if existing, ok := s.inflight[accountID]; ok {
		s.mu.Unlock()
		select {
		case <-existing.done:
			return existing.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	in := &inflight{done: make(chan struct{})}
	s.inflight[accountID] = in
	s.mu.Unlock()

	in.err = s.doRefresh(ctx, accountID)

	s.mu.Lock()
	delete(s.inflight, accountID)
	s.mu.Unlock()
	close(in.done)

	return in.err
}

type refreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

func (s *Store) doRefresh(ctx context.Context, accountID string) error {
	a := s.source.Get(accountID)
	if a == nil {
		return apperror.New(apperror.KindConfigurationError, fmt.Sprintf("credstore: unknown account %q", accountID))
	}

	refreshCtx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	result, kind, err := s.callRefreshEndpoint(refreshCtx, a.Credentials)
	if err != nil {
		if kind == apperror.KindTokenRevoked {
			log.WithField("account_id", accountID).Warn("credstore: refresh token revoked, marking account invalid")
			s.source.MarkInvalid(accountID)
		}
		// One jittered retry for transient failures, per §4.2.
		if kind == apperror.KindUpstreamTransient {
			time.Sleep(jitter(200 * time.Millisecond))
			result, kind, err = s.callRefreshEndpoint(refreshCtx, a.Credentials)
			if err != nil {
				if kind == apperror.KindTokenRevoked {
					s.source.MarkInvalid(accountID)
				}
				return apperror.Wrap(kind, err, "credstore: refresh failed after retry")
			}
		} else {
			return apperror.Wrap(kind, err, "credstore: refresh failed")
		}
	}

	creds := a.Credentials
	creds.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		creds.RefreshToken = result.RefreshToken
	}
	ttl := time.Duration(result.ExpiresIn) * time.Second
	if ttl > SafetyCapTTL {
		ttl = SafetyCapTTL
	}
	creds.ExpiresAt = s.now().Add(ttl)

	return s.source.UpdateCredentials(accountID, creds)
}

func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}

// callRefreshEndpoint dispatches to the social or idc wire shape based on
// the credential record's AuthMethod, per §4.2.
func (s *Store) callRefreshEndpoint(ctx context.Context, creds account.Credentials) (refreshResult, apperror.Kind, error) {
	var (
		targetURL string
		payload   map[string]string
	)
	switch creds.AuthMethod {
	case account.AuthMethodIDC:
		targetURL = s.endpoints.idcURL()
		payload = map[string]string{
			"refreshToken": creds.RefreshToken,
			"clientId":     creds.ClientID,
			"clientSecret": creds.ClientSecret,
		}
	default:
		targetURL = s.endpoints.socialURL()
		payload = map[string]string{"refreshToken": creds.RefreshToken}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return refreshResult{}, apperror.KindConfigurationError, fmt.Errorf("credstore: marshal refresh payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return refreshResult{}, apperror.KindConfigurationError, fmt.Errorf("credstore: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return refreshResult{}, apperror.KindUpstreamTransient, fmt.Errorf("credstore: refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := upstream.ReadDecodedBody(resp)
	if err != nil {
		return refreshResult{}, apperror.KindUpstreamTransient, fmt.Errorf("credstore: read refresh response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
			ExpiresIn    int64  `json:"expiresIn"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return refreshResult{}, apperror.KindUpstreamTransient, fmt.Errorf("credstore: decode refresh response: %w", err)
		}
		if parsed.ExpiresIn <= 0 {
			parsed.ExpiresIn = 3600
		}
		return refreshResult{AccessToken: parsed.AccessToken, RefreshToken: parsed.RefreshToken, ExpiresIn: parsed.ExpiresIn}, "", nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return refreshResult{}, apperror.KindTokenRevoked, fmt.Errorf("credstore: refresh rejected with status %d: %s", resp.StatusCode, truncate(respBody, 256))
	default:
		return refreshResult{}, apperror.KindUpstreamTransient, fmt.Errorf("credstore: refresh transient failure with status %d", resp.StatusCode)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
