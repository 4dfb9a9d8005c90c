package credstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiro-relay/kiro-relay/internal/account"
	"github.com/kiro-relay/kiro-relay/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a minimal in-memory AccountSource for exercising the store
// without depending on the pool package.
type fakeSource struct {
	mu       sync.Mutex
	accounts map[string]*account.Account
}

func newFakeSource(accounts ...*account.Account) *fakeSource {
	f := &fakeSource{accounts: make(map[string]*account.Account)}
	for _, a := range accounts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeSource) Get(id string) *account.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil
	}
	clone := a.Clone()
	return clone
}

func (f *fakeSource) UpdateCredentials(id string, creds account.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return apperror.New(apperror.KindConfigurationError, "unknown account")
	}
	a.Credentials = creds
	return nil
}

func (f *fakeSource) MarkInvalid(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		a.Status = account.StatusInvalid
	}
}

func TestEnsureValidTokenReturnsCachedTokenWithoutNetworkCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	src := newFakeSource(&account.Account{
		ID:     "a",
		Status: account.StatusActive,
		Credentials: account.Credentials{
			RefreshToken: "rt",
			AccessToken:  "cached-token",
			ExpiresAt:    time.Now().Add(time.Hour),
			AuthMethod:   account.AuthMethodSocial,
		},
	})
	store := New(src, server.Client(), Endpoints{SocialURL: server.URL})

	token, err := store.EnsureValidToken(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "cached-token", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestEnsureValidTokenRefreshesExpiredSocialToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "old-refresh", body["refreshToken"])
		_, hasClientID := body["clientId"]
		assert.False(t, hasClientID, "social refresh must not send client credentials")
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new-token",
			"refreshToken": "new-refresh",
			"expiresIn":    3600,
		})
	}))
	defer server.Close()

	src := newFakeSource(&account.Account{
		ID:     "a",
		Status: account.StatusActive,
		Credentials: account.Credentials{
			RefreshToken: "old-refresh",
			ExpiresAt:    time.Now().Add(-time.Minute),
			AuthMethod:   account.AuthMethodSocial,
		},
	})
	store := New(src, server.Client(), Endpoints{SocialURL: server.URL})

	token, err := store.EnsureValidToken(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "new-token", token)
	assert.Equal(t, "new-refresh", src.Get("a").Credentials.RefreshToken)
}

func TestEnsureValidTokenSendsIDCFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "cid", body["clientId"])
		assert.Equal(t, "csecret", body["clientSecret"])
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "idc-token", "expiresIn": 1800})
	}))
	defer server.Close()

	src := newFakeSource(&account.Account{
		ID:     "a",
		Status: account.StatusActive,
		Credentials: account.Credentials{
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(-time.Minute),
			AuthMethod:   account.AuthMethodIDC,
			ClientID:     "cid",
			ClientSecret: "csecret",
		},
	})
	store := New(src, server.Client(), Endpoints{IDCURL: server.URL})

	token, err := store.EnsureValidToken(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "idc-token", token)
}

func TestRefreshRejectedMarksAccountInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	src := newFakeSource(&account.Account{
		ID:     "a",
		Status: account.StatusActive,
		Credentials: account.Credentials{
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(-time.Minute),
			AuthMethod:   account.AuthMethodSocial,
		},
	})
	store := New(src, server.Client(), Endpoints{SocialURL: server.URL})

	_, err := store.EnsureValidToken(context.Background(), "a")
	require.Error(t, err)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.KindTokenRevoked, appErr.Kind)
	assert.Equal(t, account.StatusInvalid, src.Get("a").Status)
}

func TestConcurrentRefreshesShareOneHTTPCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "shared-token", "expiresIn": 3600})
	}))
	defer server.Close()

	src := newFakeSource(&account.Account{
		ID:     "a",
		Status: account.StatusActive,
		Credentials: account.Credentials{
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(-time.Minute),
			AuthMethod:   account.AuthMethodSocial,
		},
	})
	store := New(src, server.Client(), Endpoints{SocialURL: server.URL})

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			token, err := store.EnsureValidToken(context.Background(), "a")
			require.NoError(t, err)
			results[idx] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent callers must share a single refresh")
	for _, r := range results {
		assert.Equal(t, "shared-token", r)
	}
}
