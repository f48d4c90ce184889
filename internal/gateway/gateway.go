package gateway

import (
	"context"

	"github.com/lunabot/luna/internal/contact"
)

// Sender delivers outbound messages through the messaging gateway. The
// endpoint and payload variability of real installations stays inside the
// adapter; callers only see these three methods.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
	SendMedia(ctx context.Context, phone, url, caption string, kind contact.Kind) error
	SendMenu(ctx context.Context, phone, prompt string, choices []string, footer string) error
}
