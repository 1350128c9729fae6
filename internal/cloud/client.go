// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

// Package cloud is a thin client for the local cloud's REST API. The harness
// uses it out-of-band: fetch an access token, claim the identities it minted,
// provision their public keys, and install the test webhook before device
// traffic starts.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestTimeout = 3 * time.Second

// Client talks to one cloud API endpoint with one access token.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

// Webhook describes a registered webhook.
type Webhook struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	URL   string `json:"url"`
}

// New builds a client for the API at baseURL.
func New(baseURL string) (*Client, error) {
	trimmed := strings.TrimSuffix(baseURL, "/")
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("cloud: invalid api url %q: %w", baseURL, err)
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: requestTimeout},
	}, nil
}

// Login performs the password grant and stores the access token for
// subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+"/oauth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("particle", "particle")

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(req, &body); err != nil {
		return fmt.Errorf("cloud: login: %w", err)
	}
	if body.AccessToken == "" {
		return errors.New("cloud: login returned no access token")
	}
	c.token = body.AccessToken
	return nil
}

// ProvisionKey registers a device's public key so the cloud can complete the
// handshake with it.
func (c *Client) ProvisionKey(ctx context.Context, deviceID, publicKeyPEM string) error {
	payload := map[string]string{"deviceID": deviceID, "publicKey": publicKeyPEM}
	return c.postJSON(ctx, "/v1/provisioning/"+deviceID, payload, nil)
}

// ClaimDevice attaches a device to the logged-in account.
func (c *Client) ClaimDevice(ctx context.Context, deviceID string) error {
	payload := map[string]string{"id": deviceID}
	return c.postJSON(ctx, "/v1/devices", payload, nil)
}

// CreateWebhook installs a webhook forwarding event to targetURL and returns
// its id. The cloud accepts a caller-chosen id, so one is minted here.
func (c *Client) CreateWebhook(ctx context.Context, event, targetURL string) (*Webhook, error) {
	hook := &Webhook{
		ID:    uuid.NewString(),
		Event: event,
		URL:   targetURL,
	}
	payload := map[string]string{
		"id":          hook.ID,
		"event":       hook.Event,
		"url":         hook.URL,
		"requestType": "POST",
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/v1/webhooks", payload, &resp); err != nil {
		return nil, err
	}
	if resp.ID != "" {
		hook.ID = resp.ID
	}
	return hook, nil
}

// DeleteWebhook removes a webhook by id.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base.String()+"/v1/webhooks/"+id, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	slog.Debug("cloud api call", "method", req.Method, "url", req.URL.String())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("cloud: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
