package market

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"okx-trading-advisor/internal/vault"
)

// barNames maps internal interval names to OKX bar identifiers. OKX uses
// uppercase suffixes from the hour up.
var barNames = map[string]string{
	"1m":  "1m",
	"3m":  "3m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "1H",
	"4h":  "4H",
	"1d":  "1D",
}

// OKXClient is a thin HTTP client for the OKX v5 REST API. Market data
// endpoints are public; when credentials are present every request is signed
// so it counts against the higher authenticated rate limits.
type OKXClient struct {
	baseURL    string
	creds      *vault.Credentials
	httpClient *http.Client
}

func NewOKXClient(baseURL string, creds *vault.Credentials, timeout time.Duration) *OKXClient {
	return &OKXClient{
		baseURL:    baseURL,
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// okxResponse is the envelope every OKX v5 endpoint returns.
type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// GetCandles fetches up to limit candles for instId at the given interval.
// OKX returns rows newest first; the result is reversed to chronological
// order so indicator code can consume it directly.
func (c *OKXClient) GetCandles(ctx context.Context, instId, interval string, limit int) ([]Kline, error) {
	bar, ok := barNames[interval]
	if !ok {
		return nil, &APIError{Class: ErrClassClientError, Msg: fmt.Sprintf("unsupported interval %q", interval)}
	}

	path := fmt.Sprintf("/api/v5/market/candles?instId=%s&bar=%s&limit=%d", instId, bar, limit)
	data, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &APIError{Class: ErrClassUnknown, Msg: "malformed candles payload", Err: err}
	}

	dur := intervalDuration(interval)
	klines := make([]Kline, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  ts,
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			CloseTime: ts + dur.Milliseconds() - 1,
		})
	}
	return klines, nil
}

// GetTicker fetches the latest ticker for instId.
func (c *OKXClient) GetTicker(ctx context.Context, instId string) (*Ticker, error) {
	path := fmt.Sprintf("/api/v5/market/ticker?instId=%s", instId)
	data, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		InstId    string `json:"instId"`
		Last      string `json:"last"`
		Open24h   string `json:"open24h"`
		High24h   string `json:"high24h"`
		Low24h    string `json:"low24h"`
		VolCcy24h string `json:"volCcy24h"`
		Ts        string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &APIError{Class: ErrClassUnknown, Msg: "malformed ticker payload", Err: err}
	}
	if len(rows) == 0 {
		return nil, &APIError{Class: ErrClassUnknown, Msg: fmt.Sprintf("empty ticker response for %s", instId)}
	}

	row := rows[0]
	last := parseFloat(row.Last)
	open := parseFloat(row.Open24h)
	change := 0.0
	if open > 0 {
		change = (last - open) / open * 100
	}
	ts, _ := strconv.ParseInt(row.Ts, 10, 64)
	return &Ticker{
		Symbol:    row.InstId,
		Price:     last,
		Volume24h: parseFloat(row.VolCcy24h),
		High24h:   parseFloat(row.High24h),
		Low24h:    parseFloat(row.Low24h),
		Change24h: change,
		Timestamp: ts,
	}, nil
}

// GetFundingRate fetches the current funding rate for a swap instrument.
func (c *OKXClient) GetFundingRate(ctx context.Context, instId string) (float64, error) {
	path := fmt.Sprintf("/api/v5/public/funding-rate?instId=%s", instId)
	data, err := c.get(ctx, path)
	if err != nil {
		return 0, err
	}

	var rows []struct {
		FundingRate string `json:"fundingRate"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, &APIError{Class: ErrClassUnknown, Msg: "malformed funding rate payload", Err: err}
	}
	if len(rows) == 0 {
		return 0, &APIError{Class: ErrClassUnknown, Msg: fmt.Sprintf("empty funding rate response for %s", instId)}
	}
	return parseFloat(rows[0].FundingRate), nil
}

// get performs a GET against the OKX API and unwraps the response envelope.
func (c *OKXClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &APIError{Class: ErrClassClientError, Msg: "building request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.creds != nil && c.creds.APIKey != "" {
		c.sign(req, path)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Class: Classify(err), Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &APIError{Class: ErrClassNetwork, Status: resp.StatusCode, Msg: "reading response", Err: err}
	}

	var env okxResponse
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{Class: classifyResponse(resp.StatusCode, ""), Status: resp.StatusCode, Msg: string(body)}
		}
		return nil, &APIError{Class: ErrClassUnknown, Status: resp.StatusCode, Msg: "malformed response envelope", Err: err}
	}

	if resp.StatusCode != http.StatusOK || (env.Code != "" && env.Code != "0") {
		return nil, &APIError{
			Class:  classifyResponse(resp.StatusCode, env.Code),
			Status: resp.StatusCode,
			Code:   env.Code,
			Msg:    env.Msg,
		}
	}
	return env.Data, nil
}

// sign adds OKX authentication headers: the signature is a Base64 HMAC-SHA256
// over timestamp + method + requestPath.
func (c *OKXClient) sign(req *http.Request, path string) {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(c.creds.SecretKey))
	mac.Write([]byte(ts + req.Method + path))
	req.Header.Set("OK-ACCESS-KEY", c.creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
