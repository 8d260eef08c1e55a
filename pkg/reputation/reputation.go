// Package reputation implements the Reputation Evaluator (C6): vendor
// URL threat lookups against a Safe-Browsing-shaped API, cached in
// Redis, with fail-closed semantics on any infrastructure failure.
package reputation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guglxni/vyapaar-mcp/pkg/breaker"
)

// Synthetic tags distinguish infrastructure failure from a real
// threat-intel match so dashboards never conflate the two.
const (
	TagTimeout  = "TIMEOUT"
	TagAPIError = "API_ERROR"
	TagInternal = "INTERNAL_ERROR"
)

// Verdict is the Reputation Evaluator's cacheable result.
type Verdict struct {
	URL        string   `json:"url"`
	Safe       bool     `json:"safe"`
	ThreatTags []string `json:"threat_tags,omitempty"`
	FromCache  bool     `json:"from_cache"`
}

type threatMatchesRequest struct {
	Client     clientInfo `json:"client"`
	ThreatInfo threatInfo `json:"threatInfo"`
}

type clientInfo struct {
	ClientID      string `json:"clientId"`
	ClientVersion string `json:"clientVersion"`
}

type threatInfo struct {
	ThreatTypes      []string        `json:"threatTypes"`
	PlatformTypes    []string        `json:"platformTypes"`
	ThreatEntryTypes []string        `json:"threatEntryTypes"`
	ThreatEntries    []threatEntry   `json:"threatEntries"`
}

type threatEntry struct {
	URL string `json:"url"`
}

type threatMatchesResponse struct {
	Matches []struct {
		ThreatType string `json:"threatType"`
	} `json:"matches"`
}

var threatTypes = []string{"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE", "POTENTIALLY_HARMFUL_APPLICATION"}

// Evaluator is the Reputation Evaluator component (C6).
type Evaluator struct {
	httpClient *http.Client
	rdb        *redis.Client
	br         *breaker.Breaker
	apiURL     string
	apiKey     string
	cacheTTL   time.Duration
}

func New(rdb *redis.Client, br *breaker.Breaker, apiURL, apiKey string, cacheTTL time.Duration, timeout time.Duration) *Evaluator {
	return &Evaluator{
		httpClient: &http.Client{Timeout: timeout},
		rdb:        rdb,
		br:         br,
		apiURL:     apiURL,
		apiKey:     apiKey,
		cacheTTL:   cacheTTL,
	}
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "reputation:" + hex.EncodeToString(sum[:])[:16]
}

// Evaluate returns a Verdict for url. On timeout, transport error, or
// breaker-open, it fails closed: Safe=false with a synthetic tag, and
// the result is not cached.
func (e *Evaluator) Evaluate(ctx context.Context, url string) (Verdict, error) {
	if cached, ok := e.readCache(ctx, url); ok {
		cached.FromCache = true
		return cached, nil
	}

	var v Verdict
	callErr := e.br.Call(func() error {
		res, err := e.callAPI(ctx, url)
		if err != nil {
			return err
		}
		v = res
		return nil
	})

	if callErr != nil {
		return e.failClosed(url, callErr), nil
	}

	e.writeCache(ctx, v)
	return v, nil
}

func (e *Evaluator) failClosed(url string, callErr error) Verdict {
	tag := TagInternal
	switch {
	case errors.Is(callErr, context.DeadlineExceeded), errors.Is(callErr, breaker.ErrOpen):
		tag = TagTimeout
	case errors.As(callErr, new(*http.ProtocolError)):
		tag = TagAPIError
	}
	return Verdict{URL: url, Safe: false, ThreatTags: []string{tag}}
}

func (e *Evaluator) callAPI(ctx context.Context, url string) (Verdict, error) {
	body := threatMatchesRequest{
		Client: clientInfo{ClientID: "vyapaar-guard", ClientVersion: "1.0.0"},
		ThreatInfo: threatInfo{
			ThreatTypes:      threatTypes,
			PlatformTypes:    []string{"ANY_PLATFORM"},
			ThreatEntryTypes: []string{"URL"},
			ThreatEntries:    []threatEntry{{URL: url}},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Verdict{}, fmt.Errorf("reputation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL+"?key="+e.apiKey, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("reputation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Verdict{}, &http.ProtocolError{ErrorString: fmt.Sprintf("reputation: api returned %d", resp.StatusCode)}
	}

	var out threatMatchesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Verdict{}, fmt.Errorf("reputation: decode response: %w", err)
	}

	if len(out.Matches) == 0 {
		return Verdict{URL: url, Safe: true}, nil
	}
	tags := make([]string, 0, len(out.Matches))
	for _, m := range out.Matches {
		tags = append(tags, m.ThreatType)
	}
	return Verdict{URL: url, Safe: false, ThreatTags: tags}, nil
}

func (e *Evaluator) readCache(ctx context.Context, url string) (Verdict, bool) {
	raw, err := e.rdb.Get(ctx, cacheKey(url)).Result()
	if err != nil {
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, false
	}
	return v, true
}

func (e *Evaluator) writeCache(ctx context.Context, v Verdict) {
	ttl := e.cacheTTL
	if ttl <= 0 || ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = e.rdb.Set(ctx, cacheKey(v.URL), raw, ttl).Err()
}
