package workflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/docflow-ai/platform/pkg/common/config"
	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/google/uuid"
)

// Flow names on the engine's webhook surface.
const (
	flowAnalysis     = "analisis"
	flowFilling      = "llenado"
	flowNotification = "notificacion"
)

// Client triggers flows on the external workflow engine over signed HTTP.
// Failures never panic or throw: every call returns a structured
// TriggerResult and callers decide retry policy.
type Client struct {
	baseURL    string
	webhookURL string
	apiKey     string
	secret     []byte
	appBaseURL string

	httpClient *http.Client
	signer     *TokenSigner
}

func NewClient(cfg *config.Config, signer *TokenSigner) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL:    cfg.EngineBaseURL,
		webhookURL: cfg.EngineWebhookURL,
		apiKey:     cfg.EngineAPIKey,
		secret:     []byte(cfg.EngineSecret),
		appBaseURL: cfg.AppBaseURL,
		httpClient: &http.Client{
			Timeout:   cfg.EngineTimeout,
			Transport: transport,
		},
		signer: signer,
	}
}

// TriggerAnalysis starts the document-analysis flow for a process.
func (c *Client) TriggerAnalysis(ctx context.Context, processID int64, files []models.EngineFile, options map[string]interface{}) models.TriggerResult {
	opts := map[string]interface{}{
		"reintentar": false,
		"prioridad":  5,
	}
	for k, v := range options {
		opts[k] = v
	}

	payload := map[string]interface{}{
		"action":       "analyze",
		"proceso_id":   processID,
		"archivos":     files,
		"callback_url": c.appBaseURL + "/api/v1/webhook/analysis",
		"timestamp":    time.Now().Unix(),
		"opciones":     opts,
	}
	return c.sendFlow(ctx, flowAnalysis, processID, payload)
}

// TriggerFilling starts the template-filling flow with the validated data and
// a token-authenticated URL of the original instrument.
func (c *Client) TriggerFilling(ctx context.Context, processID int64, data map[string]interface{}, instrumentURL string, options map[string]interface{}) models.TriggerResult {
	opts := map[string]interface{}{
		"plantilla": "default",
	}
	for k, v := range options {
		opts[k] = v
	}

	payload := map[string]interface{}{
		"action":       "fill",
		"proceso_id":   processID,
		"datos_ia":     data,
		"pagare_url":   instrumentURL,
		"callback_url": c.appBaseURL + "/api/v1/webhook/filling",
		"upload_url":   c.uploadURL(),
		"timestamp":    time.Now().Unix(),
		"opciones":     opts,
	}
	return c.sendFlow(ctx, flowFilling, processID, payload)
}

// TriggerNotification starts the notification flow. Best-effort from the
// caller's perspective.
func (c *Client) TriggerNotification(ctx context.Context, kind string, data map[string]interface{}) models.TriggerResult {
	payload := map[string]interface{}{
		"action":    "notify",
		"tipo":      kind,
		"datos":     data,
		"timestamp": time.Now().Unix(),
	}
	return c.sendFlow(ctx, flowNotification, 0, payload)
}

func (c *Client) sendFlow(ctx context.Context, flow string, processID int64, payload map[string]interface{}) models.TriggerResult {
	unsigned, err := json.Marshal(payload)
	if err != nil {
		return models.TriggerResult{Success: false, Error: "MARSHAL_ERROR", Message: err.Error()}
	}
	payload["signature"] = c.Sign(unsigned)

	body, err := json.Marshal(payload)
	if err != nil {
		return models.TriggerResult{Success: false, Error: "MARSHAL_ERROR", Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL+"/"+flow, bytes.NewReader(body))
	if err != nil {
		return models.TriggerResult{Success: false, Error: "REQUEST_ERROR", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-N8N-API-KEY", c.apiKey)
	req.Header.Set("X-Webhook-Secret", string(c.secret))
	req.Header.Set("X-Request-ID", requestID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logCall(flow, processID, 0, false)
		return models.TriggerResult{Success: false, Error: "NETWORK_ERROR", Message: err.Error()}
	}
	defer resp.Body.Close()

	var data map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&data)

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.logCall(flow, processID, resp.StatusCode, success)

	if !success {
		return models.TriggerResult{
			Success:  false,
			Error:    "HTTP_ERROR",
			Message:  fmt.Sprintf("engine returned HTTP %d", resp.StatusCode),
			HTTPCode: resp.StatusCode,
			Data:     data,
		}
	}

	result := models.TriggerResult{
		Success:  true,
		HTTPCode: resp.StatusCode,
		Data:     data,
	}
	if id, ok := data["executionId"].(string); ok {
		result.ExecutionID = id
	}
	return result
}

// Sign computes the HMAC-SHA256 hex digest of the serialized payload.
func (c *Client) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature recomputes the HMAC over the raw payload and compares in
// constant time.
func (c *Client) ValidateSignature(payload []byte, signature string) bool {
	return hmac.Equal([]byte(c.Sign(payload)), []byte(signature))
}

// PrepareFiles builds token-authenticated serve URLs for the given
// attachments so the engine can fetch them.
func (c *Client) PrepareFiles(processID int64, attachments []models.Attachment) ([]models.EngineFile, error) {
	files := make([]models.EngineFile, 0, len(attachments))
	for _, att := range attachments {
		token, err := c.signer.GenerateFileAccessToken(processID, att.ID)
		if err != nil {
			return nil, err
		}
		files = append(files, models.EngineFile{
			ID:       att.ID,
			Name:     att.OriginalName,
			Type:     att.Type,
			MimeType: att.MimeType,
			URL:      fmt.Sprintf("%s/api/v1/files/%d/serve?token=%s", c.appBaseURL, att.ID, url.QueryEscape(token)),
		})
	}
	return files, nil
}

// HealthCheck probes the engine's liveness endpoint with a short timeout.
func (c *Client) HealthCheck(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) uploadURL() string {
	return c.appBaseURL + "/api/v1/files/external-upload"
}

func requestID() string {
	return fmt.Sprintf("docflow_%s_%d", uuid.New().String(), time.Now().Unix())
}

func (c *Client) logCall(flow string, processID int64, httpCode int, success bool) {
	logger.Log.WithFields(map[string]interface{}{
		"flow":       flow,
		"process_id": processID,
		"http_code":  httpCode,
		"success":    success,
	}).Info("Workflow engine call")
}
