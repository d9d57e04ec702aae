package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Skotchmaster/storefront/pkg/apiclient"
)

const refreshPath = "/api/token/refresh"

// RefreshClient exchanges a refresh token for a new access token. It talks to
// the API directly so the refresh call never re-enters the pipeline.
type RefreshClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRefreshClient(baseURL string, httpClient *http.Client) *RefreshClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &RefreshClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
}

func (c *RefreshClient) Refresh(ctx context.Context, refreshToken string) (string, error) {
	payload, err := json.Marshal(refreshRequest{Refresh: refreshToken})
	if err != nil {
		return "", fmt.Errorf("encode refresh request: %w", err)
	}

	target := c.baseURL + refreshPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &apiclient.NetworkError{Method: http.MethodPost, URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &apiclient.NetworkError{Method: http.MethodPost, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", apiclient.ErrorFromResponse(resp.StatusCode, body)
	}

	var result refreshResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.Access == "" {
		return "", fmt.Errorf("refresh response carried no access token")
	}
	return result.Access, nil
}
