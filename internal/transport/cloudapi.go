// Package transport implements the two messaging transports behind the
// gateway: the Cloud API and the browser-automation session.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"wagate/internal/config"
	"wagate/internal/domain"
)

const cloudAPIBase = "https://graph.facebook.com/v21.0"

// CloudAPI implements domain.Transport over the WhatsApp Business Cloud API.
// Sends are stateless HTTP calls; inbound messages arrive out-of-band via
// the webhook, not through this adapter.
type CloudAPI struct {
	cfg       config.CloudAPIConfig
	apiBase   string
	client    *http.Client
	logger    *slog.Logger
	connected atomic.Bool
}

type CloudAPIOptions struct {
	Config config.CloudAPIConfig
	Logger *slog.Logger
}

func NewCloudAPI(opts CloudAPIOptions) *CloudAPI {
	apiBase := opts.Config.APIBase
	if apiBase == "" {
		apiBase = cloudAPIBase
	}
	return &CloudAPI{
		cfg:     opts.Config,
		apiBase: apiBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  opts.Logger,
	}
}

func (c *CloudAPI) Kind() domain.TransportKind           { return domain.TransportCloudAPI }
func (c *CloudAPI) Connected() bool                      { return c.connected.Load() }
func (c *CloudAPI) Events() <-chan domain.TransportEvent { return nil }

// Connect validates the credentials with one synchronous call against the
// phone number node. Failure is fatal to this attempt; the caller decides
// whether to retry.
func (c *CloudAPI) Connect(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", c.apiBase, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return domain.E(domain.KindTransport, "cloudapi.Connect", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.E(domain.KindTransport, "cloudapi.Connect", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.Errorf(domain.KindTransport, "cloudapi.Connect",
			"credential validation failed: API %d: %s", resp.StatusCode, string(body))
	}

	c.connected.Store(true)
	c.logger.Info("cloud API transport connected", "phone_number_id", c.cfg.PhoneNumberID)
	return nil
}

func (c *CloudAPI) Disconnect() error {
	c.connected.Store(false)
	return nil
}

// Send performs one POST per message. A media URL maps to an image payload
// with the body as caption; otherwise a plain text payload.
func (c *CloudAPI) Send(ctx context.Context, to, body, mediaURL string) (string, error) {
	if !c.connected.Load() {
		return "", domain.Errorf(domain.KindTransport, "cloudapi.Send", "transport not connected")
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
	}
	if mediaURL != "" {
		payload["type"] = "image"
		payload["image"] = map[string]string{"link": mediaURL, "caption": body}
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]string{"body": body}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", domain.E(domain.KindTransport, "cloudapi.Send", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.apiBase, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return "", domain.E(domain.KindTransport, "cloudapi.Send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", domain.E(domain.KindTransport, "cloudapi.Send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", domain.Errorf(domain.KindTransport, "cloudapi.Send",
			"API %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", domain.E(domain.KindTransport, "cloudapi.Send", err)
	}

	receipt := ""
	if len(parsed.Messages) > 0 {
		receipt = parsed.Messages[0].ID
	}
	c.logger.Debug("cloud API message sent", "to", to, "receipt", receipt)
	return receipt, nil
}
