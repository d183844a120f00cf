// Package enrich resolves source IPs to their provider names for detail
// views. Lookups go to ip-api.com and are cached aggressively; a miss or a
// failed lookup just leaves the field empty.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentinelops/banhammer/internal/config"
	"github.com/sentinelops/banhammer/internal/pkg/logger"
)

const defaultAPIURL = "http://ip-api.com/json"

// WhoisLookup implements sink.Enricher via ip-api.com.
type WhoisLookup struct {
	apiURL     string
	httpClient *http.Client
	cache      *lru.Cache[string, string]
	log        *logger.Logger
}

// NewWhoisLookup creates the enricher. cfg.CacheSize bounds the LRU; failed
// lookups are cached as empty strings so a dead upstream is not hammered.
func NewWhoisLookup(cfg config.EnrichConfig) (*WhoisLookup, error) {
	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create enrich cache: %w", err)
	}
	return &WhoisLookup{
		apiURL:     defaultAPIURL,
		httpClient: &http.Client{Timeout: cfg.LookupTimeout()},
		cache:      cache,
		log:        logger.With("enrich"),
	}, nil
}

// SetAPIURL overrides the lookup endpoint (useful for testing)
func (w *WhoisLookup) SetAPIURL(url string) { w.apiURL = url }

type ipAPIResponse struct {
	Status string `json:"status"`
	ISP    string `json:"isp"`
	Org    string `json:"org"`
}

// LookupISP resolves one IP to its provider name. ok=false when the lookup
// failed or the upstream had no answer.
func (w *WhoisLookup) LookupISP(ctx context.Context, ip string) (string, bool) {
	if isp, cached := w.cache.Get(ip); cached {
		return isp, isp != ""
	}

	isp, err := w.fetch(ctx, ip)
	if err != nil {
		w.log.Debug("isp lookup failed", "ip", ip, "error", err)
		w.cache.Add(ip, "") // negative cache
		return "", false
	}

	w.cache.Add(ip, isp)
	return isp, isp != ""
}

func (w *WhoisLookup) fetch(ctx context.Context, ip string) (string, error) {
	reqURL := fmt.Sprintf("%s/%s?fields=status,isp,org", w.apiURL, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("lookup status %d", resp.StatusCode)
	}

	var parsed ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse lookup response: %w", err)
	}
	if parsed.Status != "success" {
		return "", fmt.Errorf("lookup status %q", parsed.Status)
	}

	if parsed.ISP != "" {
		return parsed.ISP, nil
	}
	return parsed.Org, nil
}
