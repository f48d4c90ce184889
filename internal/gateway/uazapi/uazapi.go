// Package uazapi sends WhatsApp messages through a Uazapi-style HTTP
// gateway. Installations differ in which field names the send endpoints
// expect; the adapter selects one declarative payload shape from config
// instead of probing at runtime.
package uazapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lunabot/luna/internal/config"
	"github.com/lunabot/luna/internal/contact"
)

// shape names the payload dialect of an installation.
type shape string

const (
	// ShapeChatID addresses recipients via a "chatId" field.
	ShapeChatID shape = "chatid"
	// ShapeNumber addresses recipients via a "number" field.
	ShapeNumber shape = "number"
)

// Client is the Uazapi adapter. It satisfies gateway.Sender.
type Client struct {
	baseURL       string
	token         string
	sendTextPath  string
	sendMediaPath string
	sendMenuPath  string
	shape         shape
	httpClient    *http.Client
	logger        *slog.Logger
}

func New(log *slog.Logger, cfg config.UazapiConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		sendTextPath:  cfg.SendTextPath,
		sendMediaPath: cfg.SendMediaPath,
		sendMenuPath:  cfg.SendMenuPath,
		shape:         shape(strings.ToLower(cfg.PayloadShape)),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        log.With(slog.String("service", "uazapi")),
	}
}

// recipientField returns the key the configured dialect uses to address
// the destination chat.
func (c *Client) recipientField() string {
	if c.shape == ShapeNumber {
		return "number"
	}
	return "chatId"
}

func (c *Client) SendText(ctx context.Context, phone, text string) error {
	payload := map[string]any{
		c.recipientField(): phone,
		"text":             text,
	}
	return c.post(ctx, c.sendTextPath, payload)
}

func (c *Client) SendMedia(ctx context.Context, phone, url, caption string, kind contact.Kind) error {
	payload := map[string]any{
		c.recipientField(): phone,
		"fileUrl":          url,
		"caption":          caption,
		"mimeType":         mimeForKind(kind),
	}
	if c.shape == ShapeNumber {
		// The number dialect tags the media class explicitly.
		payload["type"] = string(kind)
	}
	return c.post(ctx, c.sendMediaPath, payload)
}

func (c *Client) SendMenu(ctx context.Context, phone, prompt string, choices []string, footer string) error {
	payload := map[string]any{
		c.recipientField(): phone,
		"text":             prompt,
		"choices":          choices,
		"footerText":       footer,
	}
	return c.post(ctx, c.sendMenuPath, payload)
}

// post delivers one payload. Failures are logged and returned; callers in
// the core treat delivery as best-effort and swallow the error.
func (c *Client) post(ctx context.Context, path string, payload map[string]any) error {
	if c.baseURL == "" || c.token == "" {
		c.logger.Warn("gateway not configured, dropping outbound message", slog.String("path", path))
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("gateway request failed", slog.String("path", path), slog.Any("error", err))
		return fmt.Errorf("send %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best-effort diagnostics
		c.logger.Error("gateway rejected message",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(sample)),
		)
		return fmt.Errorf("send %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func mimeForKind(kind contact.Kind) string {
	switch kind {
	case contact.KindImage:
		return "image/jpeg"
	case contact.KindVideo:
		return "video/mp4"
	case contact.KindAudio:
		return "audio/ogg"
	case contact.KindDocument:
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
