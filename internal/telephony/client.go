// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RESTError wraps a non-2xx provider REST response with enough context for
// callers to decide whether it is retryable.
type RESTError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *RESTError) Error() string {
	return fmt.Sprintf("telephony: %s returned HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the REST call might succeed on retry: server
// errors and 429s are, validation failures (4xx other than 429) are not.
func (e *RESTError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RESTClient is a thin, rate-limited HTTP client shared by provider
// adapters for outbound REST calls to a telephony vendor's API. Grounded on
// internal/connector/http's timeout/size-limited request pattern, adapted
// from a generic connector operation executor into a single-purpose
// provider REST client and given a per-provider token-bucket limiter.
type RESTClient struct {
	providerName string
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

// NewRESTClient builds a RESTClient for one provider. ratePerSecond <= 0
// disables rate limiting.
func NewRESTClient(providerName, baseURL string, timeout time.Duration, ratePerSecond float64) *RESTClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1)
	}
	return &RESTClient{
		providerName: providerName,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      limiter,
	}
}

// Do performs a JSON request against path (joined to baseURL), decoding the
// response body into out (if non-nil) on a 2xx status. headers carry
// provider auth; body is marshaled to JSON when non-nil.
func (c *RESTClient) Do(ctx context.Context, method, path string, headers map[string]string, body interface{}, out interface{}) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("telephony: %s rate limiter: %w", c.providerName, err)
		}
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("telephony: encode %s request body: %w", c.providerName, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("telephony: build %s request: %w", c.providerName, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: %s request failed: %w", c.providerName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp, fmt.Errorf("telephony: read %s response: %w", c.providerName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &RESTError{Provider: c.providerName, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp, fmt.Errorf("telephony: decode %s response: %w", c.providerName, err)
		}
	}
	return resp, nil
}
