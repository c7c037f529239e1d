package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfold/windarb/internal/domain"
)

// gammaPageSize is the Gamma API's page size for event listings.
const gammaPageSize = 100

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market discovery and metadata.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListActiveEvents pages through active, unclosed events up to maxEvents.
func (g *GammaClient) ListActiveEvents(ctx context.Context, maxEvents int) ([]APIEvent, error) {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	var all []APIEvent
	for offset := 0; offset < maxEvents; offset += gammaPageSize {
		params := url.Values{}
		params.Set("active", "true")
		params.Set("closed", "false")
		params.Set("limit", strconv.Itoa(gammaPageSize))
		params.Set("offset", strconv.Itoa(offset))

		body, err := g.doGet(ctx, "/events?"+params.Encode())
		if err != nil {
			return nil, fmt.Errorf("polymarket/gamma: list events: %w", err)
		}

		var page []APIEvent
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("polymarket/gamma: decode events: %w", err)
		}
		all = append(all, page...)
		if len(page) < gammaPageSize {
			break
		}
	}
	return all, nil
}

// GetMarketByCondition looks up a single market by its condition ID.
func (g *GammaClient) GetMarketByCondition(ctx context.Context, conditionID string) (APIMarket, error) {
	params := url.Values{}
	params.Set("condition_ids", conditionID)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market %s: %w", conditionID, err)
	}

	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: condition %s: %w", conditionID, domain.ErrNotFound)
	}
	return markets[0], nil
}

// Resolution reports whether the market for conditionID has resolved and
// which outcome won, read from the closed market's outcome prices.
func (g *GammaClient) Resolution(ctx context.Context, conditionID string) (domain.Resolution, error) {
	m, err := g.GetMarketByCondition(ctx, conditionID)
	if err != nil {
		return domain.Resolution{}, err
	}
	if !bool(m.Closed) {
		return domain.Resolution{}, nil
	}
	yes, no, ok := m.ResolvedPrices()
	if !ok || yes == no {
		return domain.Resolution{}, nil
	}
	return domain.Resolution{Resolved: true, YesWon: yes > no}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
