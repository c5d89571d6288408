// Package sonar talks to the analysis backend: submitting a scan, and
// later fetching the measures a finished analysis produced.
package sonar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client wraps one analysis-backend instance's REST API.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// NewClient builds a Client with retry-on-5xx/429 behavior, matching the
// backoff-bounded session the metrics exporter originally used.
func NewClient(baseURL, token string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 4 * time.Second
	rc.Logger = nil
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: rc}
}

func (c *Client) authedRequest(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

// ProjectExists reports whether componentKey is already registered on the
// backend, used to decide whether a rerun should skip submission.
func (c *Client) ProjectExists(ctx context.Context, componentKey string) (bool, error) {
	resp, err := c.authedRequest(ctx, http.MethodGet, "/api/projects/search",
		url.Values{"projects": {componentKey}})
	if err != nil {
		return false, fmt.Errorf("checking project %s: %w", componentKey, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("project search returned status %d", resp.StatusCode)
	}
	var out struct {
		Components []struct {
			Key string `json:"key"`
		} `json:"components"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	for _, comp := range out.Components {
		if comp.Key == componentKey {
			return true, nil
		}
	}
	return false, nil
}

// Measures fetches metricKeys for componentKey in chunks of chunkSize,
// matching the original exporter's paginated measures/component calls.
func (c *Client) Measures(ctx context.Context, componentKey string, metricKeys []string, chunkSize int) (map[string]string, error) {
	if chunkSize <= 0 {
		chunkSize = len(metricKeys)
	}
	result := make(map[string]string, len(metricKeys))
	for start := 0; start < len(metricKeys); start += chunkSize {
		end := start + chunkSize
		if end > len(metricKeys) {
			end = len(metricKeys)
		}
		chunk := metricKeys[start:end]

		resp, err := c.authedRequest(ctx, http.MethodGet, "/api/measures/component", url.Values{
			"component":  {componentKey},
			"metricKeys": {strings.Join(chunk, ",")},
		})
		if err != nil {
			return nil, fmt.Errorf("fetching measures for %s: %w", componentKey, err)
		}
		var out struct {
			Component struct {
				Measures []struct {
					Metric string `json:"metric"`
					Value  string `json:"value"`
				} `json:"measures"`
			} `json:"component"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding measures for %s: %w", componentKey, err)
		}
		for _, m := range out.Component.Measures {
			result[m.Metric] = m.Value
		}
	}
	return result, nil
}

// QualityGateVerdict polls the quality gate status directly, used by the
// worker's awaitVerdict as a fallback when a webhook never arrives.
func (c *Client) QualityGateVerdict(ctx context.Context, componentKey string) (string, error) {
	resp, err := c.authedRequest(ctx, http.MethodGet, "/api/qualitygates/project_status",
		url.Values{"projectKey": {componentKey}})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		ProjectStatus struct {
			Status string `json:"status"`
		} `json:"projectStatus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ProjectStatus.Status, nil
}
