package termui

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pkg/browser"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/elicitation"
)

// BrowserOpener opens URLs in the user's default browser.
type BrowserOpener struct {
	// Launch replaces browser.OpenURL when set.
	Launch func(url string) error
}

var _ elicitation.URLOpener = BrowserOpener{}

// Open launches the browser for rawURL. Only http and https URLs are opened.
func (b BrowserOpener) Open(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("termui: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("termui: refusing to open %s url", u.Scheme)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	launch := b.Launch
	if launch == nil {
		launch = browser.OpenURL
	}
	if err := launch(u.String()); err != nil {
		return fmt.Errorf("termui: open %s: %w", u.Redacted(), err)
	}
	return nil
}
