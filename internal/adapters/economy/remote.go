package economy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/predictbot/internal/domain"
)

const (
	defaultRatePerSec = 5
	maxRetries        = 3
	baseRetryWait     = 500 * time.Millisecond
)

// errClient marca respuestas 4xx: no se reintentan.
var errClient = errors.New("client error")

// RemoteConfig configura una economía externa accesible por REST.
type RemoteConfig struct {
	Name       string
	BaseURL    string
	Realm      string
	APIKey     string
	RatePerSec float64
	Timeout    time.Duration
}

// Remote es el cliente HTTP de una economía externa, con rate limiting y
// retries de lectura.
//
// API consumida:
//
//	GET   {base}/api/v4/realms/{realm}/members/{user}               → {"balances": {"<id>": n}}
//	PATCH {base}/api/v4/realms/{realm}/members/{user}/tokenBalance  ← {"tokens": ±n}
type Remote struct {
	cfg       RemoteConfig
	http      *http.Client
	limiter   *rate.Limiter
	retryWait time.Duration
}

type memberResponse struct {
	Balances map[string]int64 `json:"balances"`
}

type tokenBalanceRequest struct {
	Tokens int64  `json:"tokens"`
	Reason string `json:"reason,omitempty"`
}

// NewRemote crea el cliente. RatePerSec <= 0 usa un default conservador.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	burst := int(math.Max(1, cfg.RatePerSec))
	return &Remote{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		retryWait: baseRetryWait,
	}
}

// SetRetryWait ajusta la espera base del backoff (tests).
func (r *Remote) SetRetryWait(d time.Duration) {
	r.retryWait = d
}

// Name devuelve la clave de la economía.
func (r *Remote) Name() string { return r.cfg.Name }

// GetBalance devuelve el primer balance del miembro; 0 si no tiene ninguno.
func (r *Remote) GetBalance(ctx context.Context, userID string) (int64, error) {
	var resp memberResponse
	if err := r.do(ctx, http.MethodGet, r.memberURL(userID), nil, &resp); err != nil {
		return 0, fmt.Errorf("economy.Remote.GetBalance: %s/%s: %w", r.cfg.Name, userID, err)
	}
	if len(resp.Balances) == 0 {
		return 0, nil
	}
	// el realm expone un único tipo de punto; el orden fija cuál si hay varios
	keys := make([]string, 0, len(resp.Balances))
	for k := range resp.Balances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return resp.Balances[keys[0]], nil
}

// AddPoints acredita amount al usuario.
func (r *Remote) AddPoints(ctx context.Context, userID string, amount int64, memo string) error {
	if amount <= 0 {
		return fmt.Errorf("economy.Remote.AddPoints: %w: %d", domain.ErrInvalidAmount, amount)
	}
	if err := r.patchTokens(ctx, userID, amount, memo); err != nil {
		return fmt.Errorf("economy.Remote.AddPoints: %s/%s: %w", r.cfg.Name, userID, err)
	}
	return nil
}

// RemovePoints debita amount. La API externa no tiene débito condicional, así
// que se valida el balance antes del PATCH.
func (r *Remote) RemovePoints(ctx context.Context, userID string, amount int64, memo string) error {
	if amount <= 0 {
		return fmt.Errorf("economy.Remote.RemovePoints: %w: %d", domain.ErrInvalidAmount, amount)
	}
	bal, err := r.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("economy.Remote.RemovePoints: %w", err)
	}
	if bal < amount {
		return fmt.Errorf("economy.Remote.RemovePoints: %w: %s has %d in %s, needs %d",
			domain.ErrInsufficientFunds, userID, bal, r.cfg.Name, amount)
	}
	if err := r.patchTokens(ctx, userID, -amount, memo); err != nil {
		return fmt.Errorf("economy.Remote.RemovePoints: %s/%s: %w", r.cfg.Name, userID, err)
	}
	return nil
}

func (r *Remote) patchTokens(ctx context.Context, userID string, tokens int64, memo string) error {
	body := tokenBalanceRequest{Tokens: tokens, Reason: memo}
	err := r.do(ctx, http.MethodPatch, r.memberURL(userID)+"/tokenBalance", body, nil)
	if err != nil && errors.Is(err, errClient) && strings.Contains(strings.ToLower(err.Error()), "insufficient") {
		return fmt.Errorf("%w: %v", domain.ErrInsufficientFunds, err)
	}
	return err
}

func (r *Remote) memberURL(userID string) string {
	return fmt.Sprintf("%s/api/v4/realms/%s/members/%s",
		r.cfg.BaseURL, url.PathEscape(r.cfg.Realm), url.PathEscape(userID))
}

// do ejecuta el request con rate limiting. Solo los GET se reintentan (red,
// 429 y 5xx, con backoff exponencial): un PATCH que falló pudo haberse
// aplicado igual, así que vuelve al caller con domain.ErrOutcomeUnknown.
// Los 4xx vuelven de inmediato.
func (r *Remote) do(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	retries := 0
	if method == http.MethodGet {
		retries = maxRetries
	}

	for attempt := 0; attempt <= retries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
		req.Header.Set("X-Request-Time", time.Now().UTC().Format(time.RFC3339))
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.http.Do(req)
		if err != nil {
			if retries == 0 {
				return fmt.Errorf("%w: %s: %v", domain.ErrOutcomeUnknown, method, err)
			}
			if attempt == retries {
				return fmt.Errorf("request failed after %d retries: %w", retries, err)
			}
			r.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if retries == 0 {
				// 429 es un rechazo: el servidor no aplicó nada
				if resp.StatusCode == http.StatusTooManyRequests {
					return fmt.Errorf("server status %d", resp.StatusCode)
				}
				return fmt.Errorf("%w: %s: server status %d", domain.ErrOutcomeUnknown, method, resp.StatusCode)
			}
			if attempt == retries {
				return fmt.Errorf("server status %d after %d retries", resp.StatusCode, retries)
			}
			slog.Warn("economy API retry", "economy", r.cfg.Name, "status", resp.StatusCode, "attempt", attempt+1)
			r.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("%w %d: %s", errClient, resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		defer resp.Body.Close()
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", retries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (r *Remote) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * r.retryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
