package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amplistack/qpcr-engine/internal/cache"
	"github.com/amplistack/qpcr-engine/internal/metrics"
	"github.com/amplistack/qpcr-engine/internal/models"
	"github.com/amplistack/qpcr-engine/internal/utils"
)

// tableCacheKey stores the serialized remote table in the byte cache.
const tableCacheKey = "qpcr:threshold-table"

// tableEntry is the wire/file shape of one fixed-pathogen threshold.
type tableEntry struct {
	TestCode string  `json:"test_code" yaml:"testCode"`
	Channel  string  `json:"channel" yaml:"channel"`
	Value    float64 `json:"value" yaml:"value"`
}

type tableDocument struct {
	Entries []tableEntry `json:"entries" yaml:"entries"`
}

// ThresholdTableClient fetches the fixed-pathogen threshold table from a
// configuration service, with cache-aside storage so recompute passes never wait on
// the network twice for the same table.
type ThresholdTableClient struct {
	baseURL    string
	tablePath  string
	httpClient *http.Client
	cache      cache.Provider
	ttl        time.Duration
}

// NewThresholdTableClient constructs a client targeting the configuration service.
func NewThresholdTableClient(baseURL, tablePath string, timeout time.Duration, provider cache.Provider, ttl time.Duration) *ThresholdTableClient {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &ThresholdTableClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tablePath:  tablePath,
		httpClient: &http.Client{Timeout: timeout},
		cache:      provider,
		ttl:        ttl,
	}
}

// FetchTable returns the current fixed-pathogen threshold table, preferring the
// cache. The result is fully materialised before any recompute pass reads it.
func (c *ThresholdTableClient) FetchTable(ctx context.Context) (models.FixedThresholdTable, error) {
	if c == nil {
		return nil, fmt.Errorf("threshold table client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("threshold table base URL not configured")
	}

	if data, err := c.cache.Get(ctx, tableCacheKey); err == nil {
		var doc tableDocument
		if err := json.Unmarshal(data, &doc); err == nil {
			metrics.ObserveTableFetch("cache")
			return buildTable(doc.Entries), nil
		}
		// A corrupt cache entry is dropped and refetched.
		_ = c.cache.Del(ctx, tableCacheKey)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, utils.NewAppError("repo.FetchTable", "cache read failed", err)
	}

	doc, raw, err := c.fetchRemote(ctx)
	if err != nil {
		return nil, err
	}

	// Caching is best effort; the fetched table is still usable.
	_ = c.cache.Set(ctx, tableCacheKey, raw, c.ttl)

	metrics.ObserveTableFetch("remote")
	return buildTable(doc.Entries), nil
}

func (c *ThresholdTableClient) fetchRemote(ctx context.Context) (tableDocument, []byte, error) {
	endpoint := c.resolvePath(c.tablePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return tableDocument{}, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tableDocument{}, nil, utils.NewAppError("repo.FetchTable", "threshold table request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tableDocument{}, nil, fmt.Errorf("configuration service returned %s", resp.Status)
	}

	var doc tableDocument
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&doc); err != nil {
		return tableDocument{}, nil, utils.NewAppError("repo.FetchTable", "decode threshold table", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return tableDocument{}, nil, err
	}
	return doc, raw, nil
}

func (c *ThresholdTableClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

// LoadTableFile reads a fixed-pathogen threshold table from a YAML file. Used as the
// local fallback when no configuration service is deployed. A missing file yields an
// empty table.
func LoadTableFile(filePath string) (models.FixedThresholdTable, error) {
	if filePath == "" {
		return models.FixedThresholdTable{}, nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.FixedThresholdTable{}, nil
		}
		return nil, utils.NewAppError("repo.LoadTableFile", "read threshold table", err)
	}
	var doc tableDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, utils.NewAppError("repo.LoadTableFile", "parse threshold table", err)
	}
	metrics.ObserveTableFetch("file")
	return buildTable(doc.Entries), nil
}

func buildTable(entries []tableEntry) models.FixedThresholdTable {
	table := make(models.FixedThresholdTable, len(entries))
	for _, e := range entries {
		if e.TestCode == "" || e.Channel == "" || e.Value <= 0 {
			continue
		}
		table[models.TableKey{TestCode: e.TestCode, Channel: e.Channel}] = e.Value
	}
	return table
}
