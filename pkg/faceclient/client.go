/**
 * @description
 * This package provides a client for the face verification sidecar service.
 * The kiosk captures a frame from its camera, base64-encodes it and sends it
 * here for enrollment or verification against the stored template.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotEnrolled is returned when the service has no face template for the
// user.
var ErrNotEnrolled = errors.New("no face template enrolled for user")

// Client is a client for the face verification service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new face service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type enrollRequest struct {
	UserID string `json:"user_id"`
	Image  string `json:"image"`
}

// EnrollResponse reports the stored template handle.
type EnrollResponse struct {
	TemplateRef string `json:"template_ref"`
}

type verifyRequest struct {
	UserID string `json:"user_id"`
	Image  string `json:"image"`
}

// VerifyResponse is the match verdict for one captured frame.
type VerifyResponse struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Distance   float64 `json:"distance"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Enroll stores a face template for the user and returns the template handle.
func (c *Client) Enroll(ctx context.Context, userID, imageB64 string) (*EnrollResponse, error) {
	var out EnrollResponse
	if err := c.post(ctx, "/api/face/enroll", enrollRequest{UserID: userID, Image: imageB64}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify compares a captured frame against the user's stored template.
func (c *Client) Verify(ctx context.Context, userID, imageB64 string) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/api/face/verify", verifyRequest{UserID: userID, Image: imageB64}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes the user's stored template. Deleting an absent template is
// not an error.
func (c *Client) Delete(ctx context.Context, userID string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.BaseURL+"/api/face/delete/"+url.PathEscape(userID), nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute delete request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("face service returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotEnrolled
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Detail != "" {
			return fmt.Errorf("face service error (status %d): %s", resp.StatusCode, errResp.Detail)
		}
		return fmt.Errorf("face service returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
