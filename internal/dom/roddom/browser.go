package roddom

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/constants"
)

// BrowserConfig controls how the agent obtains a Chrome tab.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome. Empty
	// launches a local headless instance.
	RemoteURL string
	Headless  bool
	Logger    *zap.Logger
}

// Browser owns the rod browser connection and the launcher when local.
type Browser struct {
	cfg     BrowserConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewBrowser prepares a Browser; call Open to connect.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Browser{cfg: cfg}
}

// Open connects to Chrome, launching it when no remote URL is configured,
// and navigates a fresh tab to pageURL.
func (b *Browser) Open(ctx context.Context, pageURL string) (*Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser == nil {
		controlURL := b.cfg.RemoteURL
		if controlURL == "" {
			b.lnch = launcher.New().Headless(b.cfg.Headless)
			u, err := b.lnch.Context(ctx).Launch()
			if err != nil {
				return nil, fmt.Errorf("roddom: launch chrome: %w", err)
			}
			controlURL = u
		}
		browser := rod.New().ControlURL(controlURL).Context(ctx)
		if err := browser.Connect(); err != nil {
			return nil, fmt.Errorf("roddom: connect chrome: %w", err)
		}
		b.browser = browser
		b.cfg.Logger.Info("browser connected", zap.String("control_url", controlURL))
	}

	page, err := b.browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("roddom: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, constants.BrowserNavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("roddom: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.cfg.Logger.Warn("wait load timeout", zap.String("url", pageURL), zap.Error(err))
	}
	return New(page), nil
}

// Close disconnects from Chrome and stops a locally launched instance.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return err
}
