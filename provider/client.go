package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks to the vendor's REST API. Every request inherits the
// configured timeout so a slow vendor surfaces as an error, never a hang.
type HTTPClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: timeout},
	}
}

type dispatchBody struct {
	CaseID         string         `json:"case_id"`
	InstanceKey    string         `json:"instance_key"`
	TemplateKey    string         `json:"template_key"`
	SignerPersonID string         `json:"signer_person_id"`
	SignerName     string         `json:"signer_name"`
	SignerEmail    string         `json:"signer_email,omitempty"`
	SignerPhone    string         `json:"signer_phone,omitempty"`
	DeliveryMethod string         `json:"delivery_method"`
	Fields         []fieldPayload `json:"fields"`
}

type fieldPayload struct {
	Type   string  `json:"type"`
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (c *HTTPClient) DispatchForSigning(ctx context.Context, req DispatchRequest) (string, error) {
	body := dispatchBody{
		CaseID:         req.CaseID,
		InstanceKey:    req.InstanceKey,
		TemplateKey:    req.TemplateKey,
		SignerPersonID: req.SignerPersonID,
		SignerName:     req.SignerName,
		SignerEmail:    req.SignerEmail,
		SignerPhone:    req.SignerPhone,
		DeliveryMethod: req.DeliveryMethod,
	}
	for _, f := range req.Fields {
		body.Fields = append(body.Fields, fieldPayload{
			Type: string(f.Type), Page: f.Page,
			X: f.X, Y: f.Y, Width: f.Width, Height: f.Height,
		})
	}

	var resp struct {
		SessionRef string `json:"session_ref"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", body, &resp); err != nil {
		return "", err
	}
	if resp.SessionRef == "" {
		return "", fmt.Errorf("provider: dispatch returned empty session ref")
	}
	return resp.SessionRef, nil
}

func (c *HTTPClient) GetSessionStatus(ctx context.Context, sessionRef string) (SessionStatus, error) {
	var resp struct {
		Status SessionStatus `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+sessionRef, nil, &resp); err != nil {
		return "", err
	}
	switch resp.Status {
	case StatusSent, StatusViewed, StatusCompleted, StatusDeclined, StatusExpired:
		return resp.Status, nil
	default:
		return "", fmt.Errorf("provider: unknown session status %q", resp.Status)
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("provider: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("provider: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("provider: decode response: %w", err)
		}
	}
	return nil
}
