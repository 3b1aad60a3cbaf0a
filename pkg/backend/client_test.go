package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	onboard "github.com/goliatone/go-onboarding"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL+"/", opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient("  "); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestFetchSchemaCoercesMalformedEntries(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultSchemaPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{
			"version": 7,
			"questions": [
				{"id": "goal", "order": "2", "title": "Goal", "options": [
					{"id": "study", "label": "Study"},
					{"label": "no id"},
					{"id": "other", "allows_custom_answer": true}
				]},
				{"title": "missing id", "order": 1},
				"not an object",
				{"id": "intro", "order": 1, "title": "Intro", "options": []},
				{"id": "goal", "order": 3, "title": "Duplicate"}
			]
		}`))
	}), WithBearerToken("secret"))

	schema, err := client.FetchSchema(context.Background())
	if err != nil {
		t.Fatalf("FetchSchema: %v", err)
	}
	want := Schema{
		Version: "7",
		Questions: []onboard.Question{
			{ID: "goal", Order: 2, Title: "Goal", Options: []onboard.Option{
				{ID: "study", Label: "Study"},
				{ID: "other", Label: "other", AllowsCustomAnswer: true},
			}},
			{ID: "intro", Order: 1, Title: "Intro", Options: []onboard.Option{}},
		},
	}
	if diff := cmp.Diff(want, schema); diff != "" {
		t.Fatalf("schema mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchSchemaReturnsAPIError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"code": "maintenance", "message": "try later"}}`))
	}))

	_, err := client.FetchSchema(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Code != "maintenance" || apiErr.Message != "try later" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestFetchSchemaRejectsNonObject(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1, 2, 3]`))
	}))
	if _, err := client.FetchSchema(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFetchSchemaSharesInFlightRequest(t *testing.T) {
	var hits atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(entered)
		}
		<-release
		_, _ = w.Write([]byte(`{"version": "v1", "questions": []}`))
	}))

	const callers = 4
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	fetch := func() {
		defer wg.Done()
		_, err := client.FetchSchema(context.Background())
		errs <- err
	}

	wg.Add(1)
	go fetch()
	<-entered
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go fetch()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("FetchSchema: %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one request, got %d", got)
	}
}

func TestFetchSchemaCancelledCallerDoesNotFailOthers(t *testing.T) {
	var hits atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(entered)
		}
		<-release
		_, _ = w.Write([]byte(`{"version": "v1", "questions": [{"id": "intro"}]}`))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := client.FetchSchema(ctx)
		first <- err
	}()
	<-entered

	type outcome struct {
		schema Schema
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		schema, err := client.FetchSchema(context.Background())
		second <- outcome{schema, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled caller to stop waiting, got %v", err)
	}
	close(release)

	got := <-second
	if got.err != nil {
		t.Fatalf("live caller failed: %v", got.err)
	}
	if got.schema.Version != "v1" || len(got.schema.Questions) != 1 {
		t.Fatalf("unexpected schema %+v", got.schema)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected one request, got %d", n)
	}
}

func TestFetchSchemaDetachedFetchHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), WithFetchTimeout(20*time.Millisecond))

	_, err := client.FetchSchema(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSubmitSendsPayloadAndIdempotencyKey(t *testing.T) {
	var got SubmitRequest
	var header string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/submit" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		header = r.Header.Get(IdempotencyHeader)
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"redirect": "/dashboard"}`))
	}), WithPaths("", "/v2/submit"))

	version := "v3"
	text := "mine"
	req := SubmitRequest{
		SchemaVersion: &version,
		Answers: onboard.SubmissionPayload{
			{QuestionID: "q1", Options: []onboard.SubmissionOption{{ID: "a"}, {ID: "other", CustomText: &text}}},
		},
	}
	resp, err := client.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Redirect != "/dashboard" {
		t.Fatalf("Redirect = %q", resp.Redirect)
	}
	if header == "" || header != got.IdempotencyKey {
		t.Fatalf("header key %q does not match body key %q", header, got.IdempotencyKey)
	}
	req.IdempotencyKey = got.IdempotencyKey
	if diff := cmp.Diff(req, got); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitEncodesNullVersionAndCustomText(t *testing.T) {
	var raw map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		w.WriteHeader(http.StatusNoContent)
	}))

	_, err := client.Submit(context.Background(), SubmitRequest{
		IdempotencyKey: "fixed",
		Answers: onboard.SubmissionPayload{
			{QuestionID: "q1", Options: []onboard.SubmissionOption{{ID: "a"}}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if v, ok := raw["schemaVersion"]; !ok || v != nil {
		t.Fatalf("schemaVersion = %#v, want explicit null", v)
	}
	answers := raw["answers"].([]any)
	option := answers[0].(map[string]any)["options"].([]any)[0].(map[string]any)
	if v, ok := option["custom_text"]; !ok || v != nil {
		t.Fatalf("custom_text = %#v, want explicit null", v)
	}
	if raw["idempotencyKey"] != "fixed" {
		t.Fatalf("idempotencyKey = %#v", raw["idempotencyKey"])
	}
}

func TestSubmitSchemaVersionConflict(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code": "schema_version_conflict", "message": "stale"}`))
	}))

	_, err := client.Submit(context.Background(), SubmitRequest{})
	if !IsSchemaVersionConflict(err) {
		t.Fatalf("expected schema version conflict, got %v", err)
	}
}

func TestAPIErrorPlainBody(t *testing.T) {
	err := decodeAPIError(http.StatusBadGateway, []byte(" upstream down \n"))
	if err.Message != "upstream down" || err.Code != "" {
		t.Fatalf("unexpected error: %+v", err)
	}
	if IsSchemaVersionConflict(err) {
		t.Fatal("plain error must not be a conflict")
	}
	if err.Error() != "backend: 502: upstream down" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestNewIdempotencyKeyIsFreshUUID(t *testing.T) {
	first := NewIdempotencyKey()
	second := NewIdempotencyKey()
	if first == second {
		t.Fatal("expected distinct keys")
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("key %q is not a uuid: %v", first, err)
	}
}
