package insar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/sentryal/insar-api/internal/models"
)

// ExternalStatus is the processing service's own status vocabulary.
type ExternalStatus string

const (
	StatusInQueue    ExternalStatus = "IN_QUEUE"
	StatusInProgress ExternalStatus = "IN_PROGRESS"
	StatusCompleted  ExternalStatus = "COMPLETED"
	StatusFailed     ExternalStatus = "FAILED"
	StatusCancelled  ExternalStatus = "CANCELLED"
	StatusTimedOut   ExternalStatus = "TIMED_OUT"
)

// MapStatus folds the external vocabulary onto the job state machine.
func MapStatus(s ExternalStatus) models.JobStatus {
	switch s {
	case StatusInQueue:
		return models.JobStatusPending
	case StatusInProgress:
		return models.JobStatusRunning
	case StatusCompleted:
		return models.JobStatusSucceeded
	case StatusCancelled:
		return models.JobStatusCancelled
	default:
		// FAILED, TIMED_OUT and anything unrecognized.
		return models.JobStatusFailed
	}
}

// ArtifactRef locates one result artifact of a completed run.
type ArtifactRef struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// PollResult is one observation of an external run's state.
type PollResult struct {
	Status    ExternalStatus
	Artifacts []ArtifactRef
	Stats     *models.ResultStats
	Reason    string
}

// Terminal reports whether no further polls can change the result.
func (p PollResult) Terminal() bool {
	switch p.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Processor drives one run of the external radar-processing service.
type Processor interface {
	Submit(ctx context.Context, spec models.SubmissionSpec) (handle string, err error)
	Poll(ctx context.Context, handle string) (PollResult, error)
	Download(ctx context.Context, ref ArtifactRef) ([]byte, error)
}

// TransientError marks a failure worth retrying within the poll budget:
// network trouble, 5xx responses, rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err, anywhere in its chain, is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type httpProcessor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProcessor talks to the hosted processing service. A zero pollTimeout
// defaults to 30s per call.
func NewHTTPProcessor(baseURL, apiKey string, pollTimeout time.Duration) Processor {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &httpProcessor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: pollTimeout},
	}
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status ExternalStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
	Output *struct {
		Artifacts  []ArtifactRef       `json:"artifacts"`
		Statistics *models.ResultStats `json:"statistics,omitempty"`
		Error      string              `json:"error,omitempty"`
	} `json:"output,omitempty"`
}

func (p *httpProcessor) Submit(ctx context.Context, spec models.SubmissionSpec) (string, error) {
	body, err := json.Marshal(map[string]interface{}{"input": spec})
	if err != nil {
		return "", errors.Wrap(err, "marshal submission spec")
	}

	var resp submitResponse
	if err := p.do(ctx, http.MethodPost, p.baseURL+"/run", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("processing service returned no run id")
	}
	return resp.ID, nil
}

func (p *httpProcessor) Poll(ctx context.Context, handle string) (PollResult, error) {
	var resp statusResponse
	if err := p.do(ctx, http.MethodGet, p.baseURL+"/status/"+handle, nil, &resp); err != nil {
		return PollResult{}, err
	}

	result := PollResult{Status: resp.Status, Reason: resp.Error}
	if resp.Output != nil {
		result.Artifacts = resp.Output.Artifacts
		result.Stats = resp.Output.Statistics
		if result.Reason == "" {
			result.Reason = resp.Output.Error
		}
	}
	return result, nil
}

func (p *httpProcessor) Download(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	if ref.URL == "" {
		return nil, errors.Errorf("artifact %q has no download URL", ref.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: errors.Wrapf(err, "download artifact %q", ref.Name)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &TransientError{Err: errors.Errorf("download artifact %q: status %d", ref.Name, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download artifact %q: status %d", ref.Name, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *httpProcessor) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return &TransientError{Err: errors.Wrapf(err, "%s %s", method, url)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientError{Err: errors.Errorf("%s %s: status %d", method, url, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, payload)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func (p *httpProcessor) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	}
}
