// Package ibmcf is the IBM Cloud Functions compute handler. It speaks
// the OpenWhisk REST protocol: non-blocking action invocations for
// calls, a blocking invocation at deploy time to pull runtime metadata.
package ibmcf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cloudbutton/gowren/config"
	"github.com/cloudbutton/gowren/job"
	"github.com/cloudbutton/gowren/pkg/logger"
	"github.com/cloudbutton/gowren/storage"
)

// Handler invokes actions in one IBM Cloud Functions region.
type Handler struct {
	endpoint  string
	namespace string
	apiKey    string
	region    string

	invocationRetry bool
	retries         int
	retrySleeps     []int

	client *http.Client
}

// New builds a handler for the given region from the ibm_cf config
// section. An empty region falls back to the section's own region and,
// failing that, to the configured endpoint as is.
func New(cfg *config.Config, region string) (*Handler, error) {
	cf := cfg.IBMCF
	if region == "" {
		region = cf.Region
	}

	endpoint := cf.Endpoint
	if region != "" {
		endpoint = fmt.Sprintf("https://%s.functions.cloud.ibm.com", region)
	}
	if endpoint == "" {
		return nil, fmt.Errorf("ibm_cf.endpoint or a region is required")
	}
	if cf.Namespace == "" {
		return nil, fmt.Errorf("ibm_cf.namespace is required")
	}
	if cf.APIKey == "" {
		return nil, fmt.Errorf("ibm_cf.api_key is required")
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          2000,
		MaxIdleConnsPerHost:   1000,
		MaxConnsPerHost:       1500,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Handler{
		endpoint:        strings.TrimRight(endpoint, "/"),
		namespace:       cf.Namespace,
		apiKey:          cf.APIKey,
		region:          region,
		invocationRetry: cfg.Pywren.InvocationRetry,
		retries:         cfg.Pywren.Retries,
		retrySleeps:     cfg.Pywren.RetrySleeps,
		client:          &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}, nil
}

// actionName flattens a runtime name into the deployed action name,
// e.g. "pywren/runtime-v3.6" at 256MB -> "pywren_runtime-v3.6_256MB".
func actionName(runtimeName string, memory int) string {
	return fmt.Sprintf("%s_%dMB", strings.ReplaceAll(runtimeName, "/", "_"), memory)
}

// GetRuntimeKey scopes a runtime installation to this region and
// namespace: {region}/{namespace}/{action}.
func (h *Handler) GetRuntimeKey(runtimeName string, memory int) string {
	return path.Join(h.region, h.namespace, actionName(runtimeName, memory))
}

func (h *Handler) actionURL(action string, query string) string {
	return fmt.Sprintf("%s/api/v1/namespaces/%s/actions/%s%s",
		h.endpoint, h.namespace, action, query)
}

// Invoke posts one non-blocking activation. Transient backend trouble
// (throttling, 5xx, connection errors) is retried up to the configured
// number of retries, sleeping per retry_sleeps between attempts (the
// last entry repeats once the schedule runs out); when the retries are
// used up, or on any other unexpected status, it returns an empty
// activation id so the invoker can re-enqueue the call. Authorization
// failures are hard errors.
func (h *Handler) Invoke(runtimeName string, memory int, payload *job.Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	attempts := 1
	if h.invocationRetry {
		attempts = h.retries
	}

	url := h.actionURL(actionName(runtimeName, memory), "?blocking=false&result=false")
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(h.sleepFor(attempt - 1))
		}

		id, retryable, err := h.post(url, body)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		if !retryable {
			break
		}
		logger.Debug("Invocation attempt %d against %s got no activation id, retrying", attempt+1, h.region)
	}
	return "", nil
}

func (h *Handler) sleepFor(i int) time.Duration {
	if len(h.retrySleeps) == 0 {
		return time.Second
	}
	if i >= len(h.retrySleeps) {
		i = len(h.retrySleeps) - 1
	}
	return time.Duration(h.retrySleeps[i]) * time.Second
}

// post performs one invocation attempt. Returns the activation id when
// accepted, retryable=true when the failure is worth another attempt.
func (h *Handler) post(url string, body []byte) (id string, retryable bool, err error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("failed to build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(h.basicAuth())

	resp, err := h.client.Do(req)
	if err != nil {
		logger.Warn("Invoke against %s failed: %v", h.region, err)
		return "", true, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		var out struct {
			ActivationID string `json:"activationId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			logger.Warn("Invoke accepted but response unreadable: %v", err)
			return "", true, nil
		}
		return out.ActivationID, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", false, fmt.Errorf("compute backend rejected credentials: %s", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		logger.Warn("Backend returned %d for invoke in %s", resp.StatusCode, h.region)
		return "", true, nil
	default:
		logger.Warn("Backend returned unexpected %d for invoke in %s", resp.StatusCode, h.region)
		return "", false, nil
	}
}

func (h *Handler) basicAuth() (user, pass string) {
	parts := strings.SplitN(h.apiKey, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return h.apiKey, ""
}

// CreateRuntime deploys the runtime image as an action and performs a
// blocking invocation against it to extract the runtime metadata.
func (h *Handler) CreateRuntime(runtimeName string, memory, timeoutSeconds int) (storage.RuntimeMeta, error) {
	var meta storage.RuntimeMeta
	action := actionName(runtimeName, memory)

	spec := map[string]interface{}{
		"exec": map[string]interface{}{
			"kind":   "blackbox",
			"image":  runtimeName,
			"binary": false,
		},
		"limits": map[string]interface{}{
			"memory":  memory,
			"timeout": timeoutSeconds * 1000,
		},
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return meta, fmt.Errorf("failed to encode action spec: %w", err)
	}

	req, err := http.NewRequest(http.MethodPut, h.actionURL(action, "?overwrite=true"), bytes.NewReader(body))
	if err != nil {
		return meta, fmt.Errorf("failed to build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(h.basicAuth())

	resp, err := h.client.Do(req)
	if err != nil {
		return meta, fmt.Errorf("failed to create action %s: %w", action, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return meta, fmt.Errorf("action create for %s returned %s", action, resp.Status)
	}
	logger.Debug("Created action %s in %s", action, h.region)

	return h.extractRuntimeMeta(action)
}

// extractRuntimeMeta runs the action once, blocking, asking it to
// report its language version and preinstalled modules.
func (h *Handler) extractRuntimeMeta(action string) (storage.RuntimeMeta, error) {
	var meta storage.RuntimeMeta

	body, _ := json.Marshal(map[string]bool{"get_preinstalls": true})
	url := h.actionURL(action, "?blocking=true&result=true")
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return meta, fmt.Errorf("failed to build meta request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(h.basicAuth())

	resp, err := h.client.Do(req)
	if err != nil {
		return meta, fmt.Errorf("runtime meta extraction failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return meta, fmt.Errorf("runtime meta extraction returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return meta, fmt.Errorf("runtime meta is not valid JSON: %w", err)
	}
	return meta, nil
}
