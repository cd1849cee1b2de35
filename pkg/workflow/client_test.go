package workflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docflow-ai/platform/pkg/common/config"
	"github.com/docflow-ai/platform/pkg/common/models"
)

func testClient(engineURL string) *Client {
	cfg := &config.Config{
		AppBaseURL:       "http://app.local",
		EngineBaseURL:    engineURL,
		EngineWebhookURL: engineURL + "/webhook",
		EngineAPIKey:     "api-key-123",
		EngineSecret:     "shared-secret",
		EngineTimeout:    5 * time.Second,
	}
	return NewClient(cfg, NewTokenSigner(cfg.EngineSecret, time.Hour))
}

func TestTriggerNotificationSignedRequest(t *testing.T) {
	var (
		gotPath    string
		gotHeaders http.Header
		gotBody    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"executionId":"exec-77"}`))
	}))
	defer server.Close()

	c := testClient(server.URL)
	result := c.TriggerNotification(context.Background(), "proceso_completado", map[string]interface{}{"codigo": "COOP2026080001"})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.ExecutionID != "exec-77" {
		t.Errorf("execution id = %q, want exec-77", result.ExecutionID)
	}
	if gotPath != "/webhook/notificacion" {
		t.Errorf("path = %q, want /webhook/notificacion", gotPath)
	}
	if got := gotHeaders.Get("X-N8N-API-KEY"); got != "api-key-123" {
		t.Errorf("api key header = %q", got)
	}
	if got := gotHeaders.Get("X-Webhook-Secret"); got != "shared-secret" {
		t.Errorf("secret header = %q", got)
	}
	if got := gotHeaders.Get("X-Request-ID"); !strings.HasPrefix(got, "docflow_") {
		t.Errorf("request id = %q, want docflow_ prefix", got)
	}

	// The signature must cover the payload without the signature field.
	var payload map[string]interface{}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	signature, _ := payload["signature"].(string)
	if signature == "" {
		t.Fatal("body carries no signature")
	}
	delete(payload, "signature")
	unsigned, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("re-marshal payload: %v", err)
	}
	if !c.ValidateSignature(unsigned, signature) {
		t.Error("signature does not verify over the unsigned payload")
	}
}

func TestSignatureBitFlip(t *testing.T) {
	c := testClient("http://engine.local")

	payload := []byte(`{"action":"notify","proceso_id":42}`)
	signature := c.Sign(payload)

	if !c.ValidateSignature(payload, signature) {
		t.Fatal("valid signature rejected")
	}

	flipped := make([]byte, len(payload))
	copy(flipped, payload)
	flipped[len(flipped)-2] ^= 0x01
	if c.ValidateSignature(flipped, signature) {
		t.Error("signature accepted over a modified payload")
	}

	badSig := []byte(signature)
	if badSig[0] == 'a' {
		badSig[0] = 'b'
	} else {
		badSig[0] = 'a'
	}
	if c.ValidateSignature(payload, string(badSig)) {
		t.Error("modified signature accepted")
	}
}

func TestSendFlowHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow not active", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := testClient(server.URL)
	result := c.TriggerAnalysis(context.Background(), 42, nil, nil)

	if result.Success {
		t.Fatal("result reports success for HTTP 503")
	}
	if result.Error != "HTTP_ERROR" {
		t.Errorf("error code = %q, want HTTP_ERROR", result.Error)
	}
	if result.HTTPCode != http.StatusServiceUnavailable {
		t.Errorf("http code = %d, want 503", result.HTTPCode)
	}
}

func TestSendFlowNetworkError(t *testing.T) {
	c := testClient("http://127.0.0.1:1")

	result := c.TriggerFilling(context.Background(), 42, map[string]interface{}{"capital": 1000}, "http://app.local/files/1/serve", nil)
	if result.Success {
		t.Fatal("result reports success for unreachable engine")
	}
	if result.Error != "NETWORK_ERROR" {
		t.Errorf("error code = %q, want NETWORK_ERROR", result.Error)
	}
}

func TestTriggerAnalysisCallbackURL(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := testClient(server.URL)
	c.TriggerAnalysis(context.Background(), 7, []models.EngineFile{{ID: 1, Name: "pagare.pdf", URL: "http://app.local/api/v1/files/1/serve?token=x"}}, nil)

	var payload map[string]interface{}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got := payload["callback_url"]; got != "http://app.local/api/v1/webhook/analysis" {
		t.Errorf("callback_url = %v", got)
	}
	if got := payload["proceso_id"]; got != float64(7) {
		t.Errorf("proceso_id = %v", got)
	}
}

func TestPrepareFiles(t *testing.T) {
	c := testClient("http://engine.local")

	files, err := c.PrepareFiles(42, []models.Attachment{
		{ID: 10, OriginalName: "pagare.pdf", Type: models.AttachmentOriginalInstrument, MimeType: "application/pdf"},
	})
	if err != nil {
		t.Fatalf("PrepareFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("prepared %d files, want 1", len(files))
	}
	if !strings.HasPrefix(files[0].URL, "http://app.local/api/v1/files/10/serve?token=") {
		t.Errorf("serve url = %q", files[0].URL)
	}

	// The embedded token must validate and bind to this process and file.
	token := files[0].URL[strings.Index(files[0].URL, "token=")+len("token="):]
	claims, err := c.signer.ValidateFileAccessToken(token)
	if err != nil {
		t.Fatalf("token from serve url: %v", err)
	}
	if claims.ProcessID != 42 || claims.AttachmentID != 10 {
		t.Errorf("claims = %+v", claims)
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := testClient(server.URL)
	if !c.HealthCheck(context.Background()) {
		t.Error("healthy engine reported down")
	}

	down := testClient("http://127.0.0.1:1")
	if down.HealthCheck(context.Background()) {
		t.Error("unreachable engine reported healthy")
	}
}
