// Package engine is the composition root of the relay: it wires the
// account pool, credential store, shared-file synchronizer, model resolver,
// translator and degradation engine into one request pipeline, following
// the teacher's sdk/cliproxy.Service pattern (Run/Shutdown lifecycle guarded
// by a shutdownOnce, background goroutines cancelled via a stored
// context.CancelFunc).
package engine

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiro-relay/kiro-relay/internal/account"
	"github.com/kiro-relay/kiro-relay/internal/apperror"
	"github.com/kiro-relay/kiro-relay/internal/config"
	"github.com/kiro-relay/kiro-relay/internal/credstore"
	"github.com/kiro-relay/kiro-relay/internal/degrade"
	"github.com/kiro-relay/kiro-relay/internal/logs"
	"github.com/kiro-relay/kiro-relay/internal/modelmap"
	"github.com/kiro-relay/kiro-relay/internal/pool"
	"github.com/kiro-relay/kiro-relay/internal/syncfile"
	"github.com/kiro-relay/kiro-relay/internal/translator"
	"github.com/kiro-relay/kiro-relay/internal/upstream"
)

// Service is the top-level composition root, usable as both a CLI binary's
// engine and an embedded library.
type Service struct {
	cfg *config.Config

	Pool      *pool.Pool
	Creds     *credstore.Store
	Resolver  *modelmap.Resolver
	Logs      *logs.Buffer
	clientCfg upstream.ClientConfig
	client    *http.Client

	syncWatcher *syncfile.Watcher
	syncCancel  context.CancelFunc

	shutdownOnce sync.Once
}

// New constructs a Service from a loaded configuration, wiring every
// component named in §4 without starting any background goroutine.
func New(cfg *config.Config) (*Service, error) {
	resolver, errs := modelmap.NewResolver(cfg.ModelMappings)
	for _, e := range errs {
		log.Warnf("engine: model mapping rejected: %v", e)
	}

	p := pool.New(cfg.Policy())
	if cfg.AccountsFile != "" {
		p.SetSharedMode(true)
	}

	clientCfg := upstream.ClientConfig{
		Region:      cfg.Region,
		KiroVersion: cfg.KiroVersion,
		MachineID:   cfg.MachineIDPrefix,
		ProxyURL:    cfg.ProxyURL,
	}
	client, err := upstream.NewHTTPClient(clientCfg, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: build upstream client: %w", err)
	}

	store := credstore.New(p, client, credstore.Endpoints{})

	svc := &Service{
		cfg:       cfg,
		Pool:      p,
		Creds:     store,
		Resolver:  resolver,
		Logs:      logs.New(),
		clientCfg: clientCfg,
		client:    client,
	}

	if cfg.AccountsFile != "" {
		accountsFile := cfg.AccountsFile
		if cfg.AuthDir != "" && !filepath.IsAbs(accountsFile) {
			accountsFile = filepath.Join(cfg.AuthDir, accountsFile)
		}
		svc.syncWatcher = syncfile.New(accountsFile, p)
	}

	return svc, nil
}

// Run starts the shared-file synchronizer, if configured, and blocks until
// ctx is cancelled. It mirrors the teacher's Service.Run, which starts
// background watchers and returns only on shutdown.
func (s *Service) Run(ctx context.Context) error {
	if s.syncWatcher == nil {
		<-ctx.Done()
		return nil
	}

	syncCtx, cancel := context.WithCancel(ctx)
	s.syncCancel = cancel
	s.syncWatcher.ForceSync(syncCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.syncWatcher.Run(syncCtx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops background work exactly once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if s.syncCancel != nil {
			s.syncCancel()
		}
	})
	return nil
}

// ChatResult is what HandleChat hands back to the API layer to write out.
type ChatResult struct {
	StatusCode   int
	Body         []byte
	AccountID    string
	CompatMode   string
	FallbackMode string
}

// HandleChat runs the full pipeline of §2: resolve model, select an account,
// ensure a valid token, translate, and drive the Degradation Retry Engine,
// rotating to a different account on token revocation, rate limiting, or
// transient upstream failure, up to cfg.RequestRetry attempts.
func (s *Service) HandleChat(ctx context.Context, req translator.ChatRequest, profileArn string) (ChatResult, error) {
	internalModel, err := s.Resolver.Resolve(req.Model)
	if err != nil {
		return ChatResult{}, err
	}

	attempts := s.cfg.RequestRetry
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := s.attemptOnce(ctx, req, internalModel, profileArn)
		if err == nil {
			go s.recordLog(result, req.Model)
			return result, nil
		}
		lastErr = err

		appErr, ok := err.(*apperror.Error)
		if !ok {
			return ChatResult{}, err
		}
		switch appErr.Kind {
		case apperror.KindTokenRevoked, apperror.KindUpstreamRateLimited:
			continue // a different account will be selected on the next loop iteration
		case apperror.KindUpstreamTransient:
			wait := backoff(attempt)
			if s.cfg.MaxRetryInterval > 0 && wait > s.cfg.MaxRetryInterval {
				wait = s.cfg.MaxRetryInterval
			}
			time.Sleep(wait)
			continue
		default:
			return ChatResult{}, err
		}
	}
	return ChatResult{}, lastErr
}

func backoff(attempt int) time.Duration {
	if attempt == 0 {
		return 500 * time.Millisecond
	}
	return time.Second
}

func (s *Service) attemptOnce(ctx context.Context, req translator.ChatRequest, internalModel, profileArn string) (ChatResult, error) {
	selection, err := s.Pool.Select()
	if err != nil {
		return ChatResult{}, err
	}

	accessToken, err := s.Creds.EnsureValidToken(ctx, selection.AccountID)
	if err != nil {
		return ChatResult{}, attributeAccount(err, selection.AccountID)
	}

	resolvedProfileArn := firstNonEmpty(selection.Account.Credentials.ProfileArn, profileArn)
	translated, err := translator.Translate(req, internalModel, resolvedProfileArn)
	if err != nil {
		return ChatResult{}, fmt.Errorf("engine: translate request: %w", err)
	}

	clientCfg := s.clientCfg
	clientCfg.Region = firstNonEmpty(selection.Account.Credentials.Region, clientCfg.Region)
	clientCfg.MachineID = firstNonEmpty(selection.Account.Credentials.MachineID, clientCfg.MachineID)

	attempt := func(ctx context.Context, body []byte) (int, []byte, error) {
		httpReq, err := upstream.BuildGenerateRequest(ctx, clientCfg, accessToken, body)
		if err != nil {
			return 0, nil, err
		}
		resp, err := s.client.Do(httpReq)
		if err != nil {
			return 0, nil, apperror.Wrap(apperror.KindUpstreamTransient, err, "engine: upstream call failed")
		}
		defer resp.Body.Close()
		respBody, err := upstream.ReadDecodedBody(resp)
		if err != nil {
			return 0, nil, apperror.Wrap(apperror.KindUpstreamTransient, err, "engine: read upstream response")
		}
		return resp.StatusCode, respBody, nil
	}

	outcome, err := degrade.Run(ctx, s.cfg.Compat(), translated.Body, attempt)
	if err != nil {
		return ChatResult{}, classifyOutcomeError(err, selection.AccountID, s.Pool)
	}

	switch {
	case outcome.StatusCode == http.StatusTooManyRequests:
		s.Pool.RecordError(selection.AccountID, true)
		rateLimited := apperror.New(apperror.KindUpstreamRateLimited, "engine: upstream rate limited")
		rateLimited.AccountID = selection.AccountID
		return ChatResult{}, rateLimited
	case outcome.StatusCode >= 500:
		transient := apperror.New(apperror.KindUpstreamTransient, fmt.Sprintf("engine: upstream returned %d", outcome.StatusCode))
		transient.AccountID = selection.AccountID
		return ChatResult{}, transient
	case outcome.StatusCode >= 400:
		rejected := apperror.New(apperror.KindUpstreamRejected, fmt.Sprintf("engine: upstream rejected with status %d", outcome.StatusCode))
		rejected.AccountID = selection.AccountID
		return ChatResult{}, rejected
	}

	return ChatResult{
		StatusCode:   outcome.StatusCode,
		Body:         outcome.Body,
		AccountID:    selection.AccountID,
		CompatMode:   string(s.cfg.Compat()),
		FallbackMode: string(outcome.FallbackMode),
	}, nil
}

func classifyOutcomeError(err error, accountID string, p *pool.Pool) error {
	if appErr, ok := err.(*apperror.Error); ok {
		appErr.AccountID = accountID
		if appErr.Kind == apperror.KindUpstreamTransient {
			p.RecordError(accountID, false)
		}
		return appErr
	}
	return err
}

func attributeAccount(err error, accountID string) error {
	if appErr, ok := err.(*apperror.Error); ok {
		appErr.AccountID = accountID
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Service) recordLog(result ChatResult, model string) {
	s.Logs.Append(logs.Record{
		Timestamp:    time.Now(),
		Model:        model,
		StatusCode:   result.StatusCode,
		AccountID:    result.AccountID,
		CompatMode:   result.CompatMode,
		FallbackMode: result.FallbackMode,
	}, model, result.Body)
}

// RefreshAccounts loads accounts directly, bypassing the shared-file
// watcher; used by callers embedding the engine as a library rather than
// running it against a shared accounts file.
func (s *Service) RefreshAccounts(accounts []*account.Account) {
	s.Pool.ReplaceFromSync(accounts)
}
