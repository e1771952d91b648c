package omni

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// QueryRequest is a query against an Omni topic.
type QueryRequest struct {
	Topic   string           `json:"topic"`
	Fields  []string         `json:"fields,omitempty"`
	Filters map[string]any   `json:"filters,omitempty"`
	Limit   *int             `json:"limit,omitempty"`
	Sorts   []map[string]any `json:"sorts,omitempty"`
}

// JobStatus is the state of a submitted query job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// QueryResult carries the completed job's rows.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    [][]any          `json:"rows"`
	Raw     *json.RawMessage `json:"raw,omitempty"`
}

// Config configures the client.
type Config struct {
	BaseURL string
	Token   string

	// RequestTimeout bounds each HTTP round-trip.
	RequestTimeout time.Duration
	// PollInterval is the wait between job status checks.
	PollInterval time.Duration
	// QueryDeadline bounds the total submit-and-poll duration.
	QueryDeadline time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.QueryDeadline <= 0 {
		cfg.QueryDeadline = 5 * time.Minute
	}
	return cfg
}

// Client speaks the Omni HTTP API: submit a query, receive a job id, poll
// until completion.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates an Omni client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, newError(ErrConfig, "omni base URL is not configured")
	}
	resolved := cfg.withDefaults()
	return &Client{
		cfg:  resolved,
		http: &http.Client{Timeout: resolved.RequestTimeout},
	}, nil
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type jobResponse struct {
	Status JobStatus    `json:"status"`
	Error  string       `json:"error,omitempty"`
	Result *QueryResult `json:"result,omitempty"`
}

// RunQuery submits a query and polls until the job completes, fails, or the
// query deadline passes. Polling errors are temporary; exceeding the
// deadline is permanent.
func (c *Client) RunQuery(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	jobID, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.QueryDeadline)
	for {
		if time.Now().After(deadline) {
			return nil, newError(ErrQueryTimeout,
				"query %s did not complete within %s", jobID, c.cfg.QueryDeadline)
		}

		job, err := c.pollOnce(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case JobCompleted:
			if job.Result == nil {
				return nil, newError(ErrQuery, "job %s completed without a result", jobID)
			}
			return job.Result, nil
		case JobFailed:
			return nil, newError(ErrQuery, "job %s failed: %s", jobID, job.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) submit(ctx context.Context, req QueryRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", newError(ErrValidation, "failed to encode query: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/v1/queries", bytes.NewReader(body))
	if err != nil {
		return "", newError(ErrValidation, "failed to build request: %v", err)
	}
	c.decorate(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &Error{Kind: ErrConnection, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return "", err
	}
	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", newError(ErrQuery, "failed to decode submit response: %v", err)
	}
	if submitted.JobID == "" {
		return "", newError(ErrQuery, "submit response carried no job id")
	}
	return submitted.JobID, nil
}

func (c *Client) pollOnce(ctx context.Context, jobID string) (*jobResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/queries/%s", c.cfg.BaseURL, jobID), nil)
	if err != nil {
		return nil, newError(ErrValidation, "failed to build poll request: %v", err)
	}
	c.decorate(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: ErrQueryPolling, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, &Error{Kind: ErrQueryPolling, Message: err.Error(), Err: err}
	}
	return &job, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := string(body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newError(ErrAuthentication, "%s", message)
	case resp.StatusCode == http.StatusNotFound:
		return newError(ErrNotFound, "%s", message)
	case resp.StatusCode == http.StatusTooManyRequests:
		return newError(ErrRateLimit, "%s", message)
	case resp.StatusCode >= 500:
		return &Error{Kind: ErrServer, Message: message}
	}
	return &Error{Kind: ErrAPI, Message: message, StatusCode: resp.StatusCode}
}
