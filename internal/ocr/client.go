// Package ocr is the client side of the external OCR engine boundary.
// The engine runs document analysis asynchronously: starting a job
// returns an opaque job id, completion is signalled out-of-band, and
// the paginated result is fetched by job id. No custom payload travels
// on the completion signal.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Terminal job statuses reported by the engine.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Block is one unit of extracted content. LINE blocks carry text in
// reading order; the geometry anchors a block to its position on the
// page.
type Block struct {
	BlockType string   `json:"block_type"`
	Text      string   `json:"text"`
	Page      int      `json:"page"`
	Geometry  Geometry `json:"geometry"`
}

// Geometry locates a block on its page.
type Geometry struct {
	BoundingBox BoundingBox `json:"bounding_box"`
}

// BoundingBox is the normalized position of a block.
type BoundingBox struct {
	Top float64 `json:"top"`
}

// Result is the complete output of one analysis job with all pages
// fetched.
type Result struct {
	JobStatus string  `json:"job_status"`
	Pages     int     `json:"pages"`
	Blocks    []Block `json:"blocks"`
}

type startRequest struct {
	Bucket   string   `json:"bucket"`
	Object   string   `json:"object"`
	Features []string `json:"features"`
}

type startResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		JobID string `json:"job_id"`
	} `json:"data"`
}

type resultPage struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		JobStatus string  `json:"job_status"`
		Pages     int     `json:"pages"`
		Blocks    []Block `json:"blocks"`
		NextToken string  `json:"next_token"`
	} `json:"data"`
}

// Client calls the OCR engine's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the engine at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// StartAnalysis starts one asynchronous document-analysis job with the
// FORMS feature and returns the engine-assigned job id. FORMS keeps
// key-value relationships and reading order intact.
func (c *Client) StartAnalysis(ctx context.Context, bucket, object string) (string, error) {
	reqBody := startRequest{
		Bucket:   bucket,
		Object:   object,
		Features: []string{"FORMS"},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var result startResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/analyses", payload, &result); err != nil {
		return "", err
	}
	if result.Code != 0 {
		return "", fmt.Errorf("ocr API error: %s", result.Message)
	}
	if result.Data.JobID == "" {
		return "", fmt.Errorf("ocr API returned no job id")
	}
	return result.Data.JobID, nil
}

// FetchResult retrieves the complete output of one job, following
// pagination until all blocks have been collected.
func (c *Client) FetchResult(ctx context.Context, jobID string) (*Result, error) {
	result := &Result{}
	nextToken := ""

	for {
		endpoint := fmt.Sprintf("%s/v1/analyses/%s/result", c.baseURL, url.PathEscape(jobID))
		if nextToken != "" {
			endpoint += "?next_token=" + url.QueryEscape(nextToken)
		}

		var page resultPage
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		if page.Code != 0 {
			return nil, fmt.Errorf("ocr API error for job %s: %s", jobID, page.Message)
		}

		result.JobStatus = page.Data.JobStatus
		result.Pages = page.Data.Pages
		result.Blocks = append(result.Blocks, page.Data.Blocks...)

		if page.Data.NextToken == "" {
			return result, nil
		}
		nextToken = page.Data.NextToken
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ocr API returned %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w, body: %s", err, string(raw))
	}
	return nil
}
