package boardsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"bitbucket.org/mmdatafocus/ordersync_backend/utils"
)

// workboardClient talks to the Workboard object-creation API. One call covers
// one record; up to batchThreshold records go out as a single batched call;
// anything larger is chunked into an asynchronous batch sequence executed by a
// bounded worker pool behind a global rate limiter.
type workboardClient struct {
	baseURL        string
	apiKey         string
	apiKeyHdr      string
	boardId        string
	http           *http.Client
	limiter        <-chan time.Time
	maxAttempts    int
	batchThreshold int
	workers        int
	backoffBase    time.Duration
}

func NewClient(conn *models.BoardConnection) (*workboardClient, error) {
	if conn == nil || strings.TrimSpace(conn.AuthSecretRef) == "" {
		return nil, errors.New("workboard api key is empty")
	}
	baseURL := utils.EnvString("WORKBOARD_API_BASE_URL", "https://api.workboard.io")
	apiKeyHeader := utils.EnvString("WORKBOARD_API_KEY_HEADER", "X-API-Key")

	rateLimitPerMin := utils.EnvInt("WORKBOARD_RATE_LIMIT_PER_MIN", 60)
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = 60
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &workboardClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         conn.AuthSecretRef,
		apiKeyHdr:      apiKeyHeader,
		boardId:        conn.BoardId,
		http:           &http.Client{Timeout: 30 * time.Second},
		limiter:        time.Tick(interval),
		maxAttempts:    utils.EnvInt("WORKBOARD_MAX_ATTEMPTS", 4),
		batchThreshold: utils.EnvInt("WORKBOARD_BATCH_THRESHOLD", 50),
		workers:        utils.EnvInt("WORKBOARD_BATCH_WORKERS", 4),
		backoffBase:    500 * time.Millisecond,
	}, nil
}

type createRequest struct {
	BoardId string    `json:"board_id"`
	Records []Payload `json:"records"`
}

type createResult struct {
	Ref   string `json:"ref"`
	Id    string `json:"id"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type createResponse struct {
	Results []createResult `json:"results"`
}

func operationPath(op Operation) string {
	switch op {
	case OpCreateGroup:
		return "/v1/groups"
	case OpCreateItem:
		return "/v1/items"
	case OpCreateSubitem:
		return "/v1/subitems"
	case OpUpdateItem:
		return "/v1/items/update"
	default:
		return "/v1/" + string(op)
	}
}

// Execute runs one operation over the given records, selecting the execution
// strategy by payload size. dryRun constructs and classifies everything but
// issues no network call, returning synthetic success outcomes.
func (c *workboardClient) Execute(ctx context.Context, op Operation, records []Payload, dryRun bool) ([]Outcome, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if dryRun {
		outcomes := make([]Outcome, len(records))
		for i, rec := range records {
			outcomes[i] = Outcome{RefKey: rec.RefKey, RemoteId: "dry-run:" + rec.RefKey}
		}
		return outcomes, nil
	}

	if len(records) <= c.batchThreshold {
		return c.call(ctx, op, records)
	}
	return c.executeChunked(ctx, op, records)
}

// executeChunked splits an oversized payload into threshold-sized chunks and
// drives them through a bounded worker pool. Per-chunk failures surface as
// per-record outcomes; the sequence itself never aborts siblings.
func (c *workboardClient) executeChunked(ctx context.Context, op Operation, records []Payload) ([]Outcome, error) {
	chunks := make([][]Payload, 0, len(records)/c.batchThreshold+1)
	for start := 0; start < len(records); start += c.batchThreshold {
		end := start + c.batchThreshold
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}

	results := make([][]Outcome, len(chunks))
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []Payload) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcomes, err := c.call(ctx, op, chunk)
			if err != nil {
				outcomes = failureOutcomes(chunk, err)
			}
			results[i] = outcomes
		}(i, chunk)
	}
	wg.Wait()

	merged := make([]Outcome, 0, len(records))
	for _, outcomes := range results {
		merged = append(merged, outcomes...)
	}
	return merged, nil
}

// call performs one HTTP call with retry. Only retryable classifications
// (timeout, rate limit, transient network, 5xx) are retried; fatal ones
// (auth, validation, not found) surface immediately.
func (c *workboardClient) call(ctx context.Context, op Operation, records []Payload) ([]Outcome, error) {
	body, err := json.Marshal(createRequest{BoardId: c.boardId, Records: records})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.limiter:
		}

		outcomes, retryable, err := c.doOnce(ctx, op, body, records)
		if err == nil {
			return outcomes, nil
		}
		lastErr = err
		if !retryable || attempt == c.maxAttempts {
			break
		}

		sleep := c.backoffBase * time.Duration(1<<uint(attempt-1))
		sleep += time.Duration(rand.Int63n(int64(sleep) / 2))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return failureOutcomes(records, lastErr), nil
}

func (c *workboardClient) doOnce(ctx context.Context, op Operation, body []byte, records []Payload) (outcomes []Outcome, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+operationPath(op), bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network and timeout failures are worth retrying.
		return nil, true, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := classifyStatus(resp.StatusCode)
		httpErr := fmt.Errorf("workboard api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		return nil, class == models.ErrorClassRetryable, httpErr
	}

	var parsed createResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, err
	}

	byRef := make(map[string]createResult, len(parsed.Results))
	for _, result := range parsed.Results {
		byRef[result.Ref] = result
	}

	outcomes = make([]Outcome, len(records))
	for i, rec := range records {
		result, ok := byRef[rec.RefKey]
		if !ok {
			outcomes[i] = Outcome{
				RefKey: rec.RefKey,
				Err:    fmt.Errorf("workboard response missing result for %s", rec.RefKey),
				Class:  models.ErrorClassRetryable,
				Code:   "missing_result",
			}
			continue
		}
		if result.Error != nil {
			outcomes[i] = Outcome{
				RefKey:   rec.RefKey,
				Err:      fmt.Errorf("workboard rejected %s: %s", rec.RefKey, result.Error.Message),
				Class:    classifyCode(result.Error.Code),
				Code:     result.Error.Code,
				Response: respBody,
			}
			continue
		}
		outcomes[i] = Outcome{RefKey: rec.RefKey, RemoteId: result.Id}
	}
	return outcomes, false, nil
}

func classifyStatus(status int) models.ErrorClass {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return models.ErrorClassRetryable
	case status >= 500:
		return models.ErrorClassRetryable
	default:
		// 400/401/403/404/422: retrying won't change the answer.
		return models.ErrorClassFatal
	}
}

func classifyCode(code string) models.ErrorClass {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limited", "timeout", "temporarily_unavailable", "conflict_retry":
		return models.ErrorClassRetryable
	default:
		return models.ErrorClassFatal
	}
}

func failureOutcomes(records []Payload, err error) []Outcome {
	class := models.ErrorClassRetryable
	code := "call_failed"
	if err != nil && isFatalStatusError(err) {
		// Classified during doOnce; fatal statuses were not retried.
		class = models.ErrorClassFatal
		code = "rejected"
	}
	outcomes := make([]Outcome, len(records))
	for i, rec := range records {
		outcomes[i] = Outcome{RefKey: rec.RefKey, Err: err, Class: class, Code: code}
	}
	return outcomes
}

func isFatalStatusError(err error) bool {
	msg := err.Error()
	for _, status := range []string{"error 400", "error 401", "error 403", "error 404", "error 422"} {
		if strings.Contains(msg, status) {
			return true
		}
	}
	return false
}
