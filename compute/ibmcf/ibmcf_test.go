package ibmcf

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cloudbutton/gowren/config"
	"github.com/cloudbutton/gowren/job"
)

func testConfig(t *testing.T, endpoint string, retries int) *config.Config {
	t.Helper()
	cfg, err := config.FromMap(map[string]interface{}{
		"pywren": map[string]interface{}{
			"workers":         10,
			"runtime":         "pywren/runtime-v1",
			"runtime_memory":  256,
			"runtime_timeout": 600,
			"retries":         retries,
			"retry_sleeps":    []int{0},
		},
		"ibm_cf": map[string]interface{}{
			"endpoint":  endpoint,
			"namespace": "testspace",
			"api_key":   "user:pass",
		},
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newTestHandler(t *testing.T, endpoint string, retries int) *Handler {
	t.Helper()
	// no region configured, so the handler targets the endpoint as is
	h, err := New(testConfig(t, endpoint, retries), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func payload() *job.Payload {
	return &job.Payload{ExecutorID: "eid", JobID: "A001", CallID: "00000"}
}

func TestActionName(t *testing.T) {
	if got := actionName("pywren/runtime-v1", 256); got != "pywren_runtime-v1_256MB" {
		t.Errorf("actionName = %q", got)
	}
}

func TestGetRuntimeKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL, 5)
	cfg.IBMCF.Region = "us-east"
	h, err := New(cfg, "us-east")
	if err != nil {
		t.Fatal(err)
	}
	want := "us-east/testspace/pywren_runtime-v1_256MB"
	if got := h.GetRuntimeKey("pywren/runtime-v1", 256); got != want {
		t.Errorf("runtime key = %q, want %q", got, want)
	}
}

func TestInvoke_Accepted(t *testing.T) {
	var seenAuth, seenPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		seenAuth.Store(user + ":" + pass)
		seenPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"activationId": "act-123"})
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, 5)
	id, err := h.Invoke("pywren/runtime-v1", 256, payload())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if id != "act-123" {
		t.Errorf("activation id = %q", id)
	}
	if seenAuth.Load() != "user:pass" {
		t.Errorf("basic auth = %v", seenAuth.Load())
	}
	wantPath := "/api/v1/namespaces/testspace/actions/pywren_runtime-v1_256MB"
	if seenPath.Load() != wantPath {
		t.Errorf("path = %v, want %s", seenPath.Load(), wantPath)
	}
}

func TestInvoke_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"activationId": "act-9"})
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, 5)
	id, err := h.Invoke("pywren/runtime-v1", 256, payload())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if id != "act-9" {
		t.Errorf("activation id = %q", id)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestInvoke_ExhaustedRetriesReturnsEmpty(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, 3)
	id, err := h.Invoke("pywren/runtime-v1", 256, payload())
	if err != nil {
		t.Fatalf("transient exhaustion must not be a hard error, got %v", err)
	}
	if id != "" {
		t.Errorf("activation id should be empty, got %q", id)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestInvoke_AuthFailureIsHardError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, 5)
	if _, err := h.Invoke("pywren/runtime-v1", 256, payload()); err == nil {
		t.Fatal("expected a hard error on 401")
	}
}

func TestCreateRuntime_DeploysAndExtractsMeta(t *testing.T) {
	var createdAction atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			createdAction.Store(r.URL.Path)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("{}"))
		case http.MethodPost:
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"language_ver": "1.23",
				"preinstalls":  [][]string{{"fmt", ""}},
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, 5)
	meta, err := h.CreateRuntime("pywren/runtime-v1", 256, 600)
	if err != nil {
		t.Fatalf("CreateRuntime: %v", err)
	}
	if meta.Version() != "1.23" {
		t.Errorf("meta version = %q", meta.Version())
	}
	want := "/api/v1/namespaces/testspace/actions/pywren_runtime-v1_256MB"
	if createdAction.Load() != want {
		t.Errorf("created action path = %v, want %s", createdAction.Load(), want)
	}
}
