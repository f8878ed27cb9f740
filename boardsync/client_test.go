package boardsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
)

func testClient(baseURL string) *workboardClient {
	limiter := make(chan time.Time, 1024)
	for i := 0; i < 1024; i++ {
		limiter <- time.Time{}
	}
	return &workboardClient{
		baseURL:        baseURL,
		apiKey:         "test-key",
		apiKeyHdr:      "X-API-Key",
		boardId:        "board-1",
		http:           &http.Client{Timeout: 5 * time.Second},
		limiter:        limiter,
		maxAttempts:    3,
		batchThreshold: 2,
		workers:        2,
		backoffBase:    time.Millisecond,
	}
}

func payloads(refs ...string) []Payload {
	out := make([]Payload, 0, len(refs))
	for _, ref := range refs {
		out = append(out, Payload{RefKey: ref, Name: ref})
	}
	return out
}

func respondResults(w http.ResponseWriter, results []createResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(createResponse{Results: results})
}

func TestClient_Execute_Success(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/v1/items" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Error("api key header missing")
		}
		var req createRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		results := make([]createResult, 0, len(req.Records))
		for i, rec := range req.Records {
			results = append(results, createResult{Ref: rec.RefKey, Id: fmt.Sprintf("itm-%d", i)})
		}
		respondResults(w, results)
	}))
	defer srv.Close()

	outcomes, err := testClient(srv.URL).Execute(context.Background(), OpCreateItem, payloads("a", "b"), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Err != nil || o.RemoteId == "" {
			t.Errorf("outcome %s: err=%v remoteId=%q", o.RefKey, o.Err, o.RemoteId)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single batched call, got %d", calls)
	}
}

func TestClient_Execute_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		respondResults(w, []createResult{{Ref: "a", Id: "itm-1"}})
	}))
	defer srv.Close()

	outcomes, err := testClient(srv.URL).Execute(context.Background(), OpCreateItem, payloads("a"), false)
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("expected success after retry, got %v", outcomes[0].Err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls (429 then 200), got %d", calls)
	}
}

func TestClient_Execute_FatalStatusNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad column"}`))
	}))
	defer srv.Close()

	outcomes, err := testClient(srv.URL).Execute(context.Background(), OpCreateItem, payloads("a"), false)
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Err == nil {
		t.Fatal("expected a failure outcome")
	}
	if outcomes[0].Class != models.ErrorClassFatal {
		t.Fatalf("422 must classify fatal, got %s", outcomes[0].Class)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("fatal status must not be retried, got %d calls", calls)
	}
}

func TestClient_Execute_PerRecordErrorsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondResults(w, []createResult{
			{Ref: "ok", Id: "itm-1"},
			{Ref: "limited", Error: &struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}{Code: "rate_limited", Message: "slow down"}},
		})
	}))
	defer srv.Close()

	outcomes, err := testClient(srv.URL).Execute(context.Background(), OpCreateItem, payloads("ok", "limited"), false)
	if err != nil {
		t.Fatal(err)
	}

	byRef := map[string]Outcome{}
	for _, o := range outcomes {
		byRef[o.RefKey] = o
	}
	if byRef["ok"].Err != nil {
		t.Errorf("ok record failed: %v", byRef["ok"].Err)
	}
	if byRef["limited"].Err == nil || byRef["limited"].Class != models.ErrorClassRetryable {
		t.Errorf("rate_limited record must be retryable, got %+v", byRef["limited"])
	}
}

func TestClient_Execute_ChunksLargePayloads(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req createRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Records) > 2 {
			t.Errorf("chunk exceeds threshold: %d records", len(req.Records))
		}
		results := make([]createResult, 0, len(req.Records))
		for _, rec := range req.Records {
			results = append(results, createResult{Ref: rec.RefKey, Id: "itm-" + rec.RefKey})
		}
		respondResults(w, results)
	}))
	defer srv.Close()

	outcomes, err := testClient(srv.URL).Execute(context.Background(), OpCreateItem, payloads("a", "b", "c", "d", "e"), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(outcomes))
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 chunked calls, got %d", calls)
	}
}

func TestClient_Execute_DryRunMakesNoCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("dry run must not reach the network")
	}))
	defer srv.Close()

	outcomes, err := testClient(srv.URL).Execute(context.Background(), OpCreateItem, payloads("a", "b"), true)
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range outcomes {
		if o.Err != nil || o.RemoteId == "" {
			t.Errorf("dry run outcome %s: err=%v remoteId=%q", o.RefKey, o.Err, o.RemoteId)
		}
	}
}

func TestClient_Execute_MissingResultIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondResults(w, []createResult{{Ref: "a", Id: "itm-1"}})
	}))
	defer srv.Close()

	outcomes, err := testClient(srv.URL).Execute(context.Background(), OpCreateItem, payloads("a", "b"), false)
	if err != nil {
		t.Fatal(err)
	}
	byRef := map[string]Outcome{}
	for _, o := range outcomes {
		byRef[o.RefKey] = o
	}
	if byRef["b"].Err == nil || byRef["b"].Class != models.ErrorClassRetryable {
		t.Fatalf("record missing from response must fail retryable, got %+v", byRef["b"])
	}
}
