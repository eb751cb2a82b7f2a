package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

// Authority fetches the authoritative quota record for a user.
type Authority interface {
	FetchQuota(ctx context.Context, userID, token string) (crawl.QuotaInfo, error)
}

// HTTPAuthority calls the external quota service over HTTP with the user's
// bearer token.
type HTTPAuthority struct {
	baseURL string
	http    *http.Client
	clock   crawl.Clock
}

// NewHTTPAuthority builds an HTTPAuthority.
func NewHTTPAuthority(baseURL string, clock crawl.Clock) *HTTPAuthority {
	return &HTTPAuthority{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		clock:   clock,
	}
}

// authorityEnvelope mirrors the quota service response. Every field is
// optional: missing values default to zero rather than failing the parse.
type authorityEnvelope struct {
	QuotaLimit       *int64  `json:"quotaLimit"`
	QuotaRemaining   *int64  `json:"quotaRemaining"`
	QuotaUsed        *int64  `json:"quotaUsed"`
	SubscriptionTier *string `json:"subscriptionTier"`
	QuotaResetDate   *string `json:"quotaResetDate"`
}

// FetchQuota loads the user's quota record. The parsed remaining value is
// normalized into [0, total].
func (a *HTTPAuthority) FetchQuota(ctx context.Context, userID, token string) (crawl.QuotaInfo, error) {
	url := fmt.Sprintf("%s/v1/users/%s/quota", a.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return crawl.QuotaInfo{}, fmt.Errorf("build quota request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return crawl.QuotaInfo{}, fmt.Errorf("fetch quota: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return crawl.QuotaInfo{}, fmt.Errorf("fetch quota: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return crawl.QuotaInfo{}, fmt.Errorf("read quota response: %w", err)
	}
	var env authorityEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return crawl.QuotaInfo{}, fmt.Errorf("decode quota response: %w", err)
	}

	info := crawl.QuotaInfo{UpdatedAt: a.clock.Now()}
	if env.QuotaLimit != nil {
		info.Total = *env.QuotaLimit
	}
	if env.QuotaRemaining != nil {
		info.Remaining = *env.QuotaRemaining
	} else if env.QuotaUsed != nil {
		info.Remaining = info.Total - *env.QuotaUsed
	}
	if env.SubscriptionTier != nil {
		info.Plan = *env.SubscriptionTier
	}
	if env.QuotaResetDate != nil {
		if ts, err := time.Parse(time.RFC3339, *env.QuotaResetDate); err == nil {
			info.ResetDate = ts
		}
	}

	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if info.Total > 0 && info.Remaining > info.Total {
		info.Remaining = info.Total
	}
	return info, nil
}
