// Package identity implements the Identity Verifier (C7): an advisory,
// fail-open lookup of a vendor's legal-entity registration against a
// GLEIF-shaped LEI registry.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guglxni/vyapaar-mcp/pkg/breaker"
)

// Verdict is the Identity Verifier's result. A nil error with
// Verified=false and a non-empty Error field means the lookup itself
// failed (advisory, never blocking); an empty Error with Verified=false
// means the lookup succeeded but found no entity, or found one that is
// lapsed or inactive.
type Verdict struct {
	LEI          string `json:"lei,omitempty"`
	LegalName    string `json:"legal_name,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	Status       string `json:"status,omitempty"`
	Verified     bool   `json:"verified"`
	Error        string `json:"error,omitempty"`
}

type leiRecord struct {
	Attributes struct {
		LEI    string `json:"lei"`
		Entity struct {
			LegalName struct {
				Name string `json:"name"`
			} `json:"legalName"`
			LegalJurisdiction string `json:"legalJurisdiction"`
			Status            string `json:"status"`
		} `json:"entity"`
		Registration struct {
			Status string `json:"status"`
		} `json:"registration"`
	} `json:"attributes"`
}

type leiRecordsResponse struct {
	Data []leiRecord `json:"data"`
}

// Verifier is the Identity Verifier component (C7).
type Verifier struct {
	httpClient *http.Client
	rdb        *redis.Client
	br         *breaker.Breaker
	apiURL     string
}

func New(rdb *redis.Client, br *breaker.Breaker, apiURL string, timeout time.Duration) *Verifier {
	return &Verifier{
		httpClient: &http.Client{Timeout: timeout},
		rdb:        rdb,
		br:         br,
		apiURL:     apiURL,
	}
}

// VerifyByName searches the registry for legalName, caching for 1h.
// It never returns an error: failures are reported inside Verdict.Error
// so callers can never accidentally let a lookup failure gate a
// decision.
func (v *Verifier) VerifyByName(ctx context.Context, legalName string) Verdict {
	key := "identity:name:" + strings.ToLower(legalName)
	return v.lookup(ctx, key, func() (*leiRecordsResponse, error) {
		q := url.Values{}
		q.Set("filter[entity.legalName]", legalName)
		return v.fetch(ctx, v.apiURL+"?"+q.Encode())
	})
}

// VerifyByLEI looks up an exact 20-character LEI code, caching for 1h.
func (v *Verifier) VerifyByLEI(ctx context.Context, lei string) Verdict {
	key := "identity:lei:" + strings.ToUpper(lei)
	return v.lookup(ctx, key, func() (*leiRecordsResponse, error) {
		return v.fetch(ctx, v.apiURL+"/"+url.PathEscape(strings.ToUpper(lei)))
	})
}

func (v *Verifier) lookup(ctx context.Context, cacheKey string, fetch func() (*leiRecordsResponse, error)) Verdict {
	if cached, ok := v.readCache(ctx, cacheKey); ok {
		return cached
	}

	var result Verdict
	err := v.br.Call(func() error {
		resp, err := fetch()
		if err != nil {
			return err
		}
		result = parse(resp)
		return nil
	})
	if err != nil {
		return Verdict{Error: err.Error()}
	}

	v.writeCache(ctx, cacheKey, result)
	return result
}

func (v *Verifier) fetch(ctx context.Context, fullURL string) (*leiRecordsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &leiRecordsResponse{}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("identity: api returned %d", resp.StatusCode)
	}

	var out leiRecordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("identity: decode response: %w", err)
	}
	return &out, nil
}

func parse(resp *leiRecordsResponse) Verdict {
	if resp == nil || len(resp.Data) == 0 {
		return Verdict{}
	}
	best := resp.Data[0]
	entityStatus := best.Attributes.Entity.Status
	regStatus := best.Attributes.Registration.Status
	return Verdict{
		LEI:          best.Attributes.LEI,
		LegalName:    best.Attributes.Entity.LegalName.Name,
		Jurisdiction: best.Attributes.Entity.LegalJurisdiction,
		Status:       fmt.Sprintf("%s/%s", entityStatus, regStatus),
		Verified:     strings.EqualFold(entityStatus, "ACTIVE") && strings.EqualFold(regStatus, "ISSUED"),
	}
}

func (v *Verifier) readCache(ctx context.Context, key string) (Verdict, bool) {
	raw, err := v.rdb.Get(ctx, key).Result()
	if err != nil {
		return Verdict{}, false
	}
	var verdict Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return Verdict{}, false
	}
	return verdict, true
}

func (v *Verifier) writeCache(ctx context.Context, key string, verdict Verdict) {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return
	}
	_ = v.rdb.Set(ctx, key, raw, time.Hour).Err()
}
