package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const defaultSentimentURL = "https://api.alternative.me/fng/"

// FearGreedClient fetches the crypto Fear & Greed index from alternative.me.
// The index updates once a day, so callers cache it aggressively.
type FearGreedClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewFearGreedClient(baseURL string, timeout time.Duration) *FearGreedClient {
	if baseURL == "" {
		baseURL = defaultSentimentURL
	}
	return &FearGreedClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch returns the latest index value (0-100) with its classification.
func (c *FearGreedClient) Fetch(ctx context.Context) (*SentimentIndex, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?limit=1", nil)
	if err != nil {
		return nil, fmt.Errorf("building sentiment request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Class: Classify(err), Msg: "sentiment request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading sentiment response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Class: classifyResponse(resp.StatusCode, ""), Status: resp.StatusCode, Msg: string(body)}
	}

	var parsed struct {
		Data []struct {
			Value          string `json:"value"`
			Classification string `json:"value_classification"`
			Timestamp      string `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing sentiment response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("empty sentiment response")
	}

	value, err := strconv.Atoi(parsed.Data[0].Value)
	if err != nil {
		return nil, fmt.Errorf("parsing sentiment value %q: %w", parsed.Data[0].Value, err)
	}
	return &SentimentIndex{
		Value:          value,
		Classification: parsed.Data[0].Classification,
		Source:         "alternative.me",
		FetchedAt:      time.Now().UnixMilli(),
	}, nil
}
