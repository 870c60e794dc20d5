package market

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"okx-trading-advisor/internal/vault"
)

func TestClientParsesCandlesChronologically(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("bar"); got != "1H" {
			t.Errorf("Expected bar=1H for the 1h interval, got %q", got)
		}
		if got := r.URL.Query().Get("instId"); got != "ETH-USDT-SWAP" {
			t.Errorf("Expected instId=ETH-USDT-SWAP, got %q", got)
		}
		// OKX returns candles newest first.
		w.Write([]byte(`{"code":"0","msg":"","data":[
			["1714557600000","3010","3020","3000","3015","120"],
			["1714554000000","3000","3012","2990","3010","100"]
		]}`))
	}))
	defer srv.Close()

	client := NewOKXClient(srv.URL, nil, time.Second)
	klines, err := client.GetCandles(context.Background(), "ETH-USDT-SWAP", "1h", 100)
	if err != nil {
		t.Fatalf("GetCandles failed: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("Expected 2 klines, got %d", len(klines))
	}
	if klines[0].OpenTime != 1714554000000 || klines[1].OpenTime != 1714557600000 {
		t.Errorf("Expected chronological order, got %d then %d", klines[0].OpenTime, klines[1].OpenTime)
	}
	if klines[0].Close != 3010 {
		t.Errorf("Expected close 3010, got %v", klines[0].Close)
	}
	wantClose := int64(1714554000000) + time.Hour.Milliseconds() - 1
	if klines[0].CloseTime != wantClose {
		t.Errorf("Expected close time %d, got %d", wantClose, klines[0].CloseTime)
	}
}

func TestClientSkipsMalformedCandleRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[
			["not-a-timestamp","1","2","3","4","5"],
			["1714554000000"],
			["1714557600000","3010","3020","3000","3015","120"]
		]}`))
	}))
	defer srv.Close()

	client := NewOKXClient(srv.URL, nil, time.Second)
	klines, err := client.GetCandles(context.Background(), "ETH-USDT-SWAP", "15m", 100)
	if err != nil {
		t.Fatalf("GetCandles failed: %v", err)
	}
	if len(klines) != 1 {
		t.Fatalf("Expected 1 parseable kline, got %d", len(klines))
	}
	if klines[0].OpenTime != 1714557600000 {
		t.Errorf("Expected surviving kline 1714557600000, got %d", klines[0].OpenTime)
	}
}

func TestClientRejectsUnknownInterval(t *testing.T) {
	client := NewOKXClient("http://localhost:1", nil, time.Second)
	_, err := client.GetCandles(context.Background(), "ETH-USDT-SWAP", "2h", 100)
	if err == nil {
		t.Fatal("Expected error for unsupported interval")
	}
	if Classify(err) != ErrClassClientError {
		t.Errorf("Expected CLIENT_ERROR, got %s", Classify(err))
	}
}

func TestClientParsesTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"ETH-USDT-SWAP","last":"3030","open24h":"3000","high24h":"3050","low24h":"2980","volCcy24h":"5000000","ts":"1714557600000"}]}`))
	}))
	defer srv.Close()

	client := NewOKXClient(srv.URL, nil, time.Second)
	ticker, err := client.GetTicker(context.Background(), "ETH-USDT-SWAP")
	if err != nil {
		t.Fatalf("GetTicker failed: %v", err)
	}
	if ticker.Symbol != "ETH-USDT-SWAP" {
		t.Errorf("Expected ETH-USDT-SWAP, got %s", ticker.Symbol)
	}
	if ticker.Price != 3030 {
		t.Errorf("Expected price 3030, got %v", ticker.Price)
	}
	if math.Abs(ticker.Change24h-1.0) > 1e-9 {
		t.Errorf("Expected 24h change 1.0%%, got %v", ticker.Change24h)
	}
	if ticker.Timestamp != 1714557600000 {
		t.Errorf("Expected timestamp 1714557600000, got %d", ticker.Timestamp)
	}
}

func TestClientSurfacesOKXErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"51001","msg":"Instrument ID does not exist","data":[]}`))
	}))
	defer srv.Close()

	client := NewOKXClient(srv.URL, nil, time.Second)
	_, err := client.GetTicker(context.Background(), "BOGUS-USDT-SWAP")
	if err == nil {
		t.Fatal("Expected error for OKX error code")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %T", err)
	}
	if apiErr.Class != ErrClassClientError {
		t.Errorf("Expected CLIENT_ERROR, got %s", apiErr.Class)
	}
	if apiErr.Code != "51001" {
		t.Errorf("Expected code 51001, got %s", apiErr.Code)
	}
}

func TestClientClassifiesHTTPFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorClass
	}{
		{"rate limited", http.StatusTooManyRequests, `{"code":"50011","msg":"rate limit"}`, ErrClassRateLimit},
		{"bad key", http.StatusUnauthorized, `{"code":"50111","msg":"invalid key"}`, ErrClassAuthError},
		{"gateway down", http.StatusBadGateway, `upstream unavailable`, ErrClassServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewOKXClient(srv.URL, nil, time.Second)
			_, err := client.GetTicker(context.Background(), "ETH-USDT-SWAP")
			if err == nil {
				t.Fatal("Expected error")
			}
			if got := Classify(err); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestClientSignsWhenCredentialed(t *testing.T) {
	var gotKey, gotSign, gotTS, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("OK-ACCESS-KEY")
		gotSign = r.Header.Get("OK-ACCESS-SIGN")
		gotTS = r.Header.Get("OK-ACCESS-TIMESTAMP")
		gotPass = r.Header.Get("OK-ACCESS-PASSPHRASE")
		w.Write([]byte(`{"code":"0","msg":"","data":[{"fundingRate":"0.000125"}]}`))
	}))
	defer srv.Close()

	creds := &vault.Credentials{APIKey: "key-1", SecretKey: "secret-1", Passphrase: "phrase-1"}
	client := NewOKXClient(srv.URL, creds, time.Second)
	rate, err := client.GetFundingRate(context.Background(), "ETH-USDT-SWAP")
	if err != nil {
		t.Fatalf("GetFundingRate failed: %v", err)
	}
	if rate != 0.000125 {
		t.Errorf("Expected funding rate 0.000125, got %v", rate)
	}
	if gotKey != "key-1" || gotPass != "phrase-1" {
		t.Errorf("Expected credential headers, got key=%q passphrase=%q", gotKey, gotPass)
	}
	if gotTS == "" {
		t.Fatal("Expected a timestamp header")
	}

	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write([]byte(gotTS + "GET" + "/api/v5/public/funding-rate?instId=ETH-USDT-SWAP"))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); gotSign != want {
		t.Errorf("Expected signature %s, got %s", want, gotSign)
	}
}

func TestClientSkipsSigningWithoutCredentials(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("OK-ACCESS-KEY")
		w.Write([]byte(`{"code":"0","msg":"","data":[{"fundingRate":"0.0001"}]}`))
	}))
	defer srv.Close()

	client := NewOKXClient(srv.URL, nil, time.Second)
	if _, err := client.GetFundingRate(context.Background(), "ETH-USDT-SWAP"); err != nil {
		t.Fatalf("GetFundingRate failed: %v", err)
	}
	if gotKey != "" {
		t.Errorf("Expected no auth headers on public requests, got key=%q", gotKey)
	}
}

func TestFearGreedFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "1" {
			t.Errorf("Expected limit=1, got %q", got)
		}
		w.Write([]byte(`{"data":[{"value":"62","value_classification":"Greed","timestamp":"1714521600"}]}`))
	}))
	defer srv.Close()

	client := NewFearGreedClient(srv.URL, time.Second)
	idx, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if idx.Value != 62 {
		t.Errorf("Expected value 62, got %d", idx.Value)
	}
	if idx.Classification != "Greed" {
		t.Errorf("Expected Greed, got %s", idx.Classification)
	}
	if idx.Source != "alternative.me" {
		t.Errorf("Expected alternative.me source, got %s", idx.Source)
	}
}

func TestFearGreedEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewFearGreedClient(srv.URL, time.Second)
	if _, err := client.Fetch(context.Background()); err == nil {
		t.Fatal("Expected error for empty payload")
	}
}
