package portal

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hermes/internal/config"
	"github.com/sells-group/hermes/internal/herrors"
)

// beginSearchSelectors are candidate selectors for the portal's home-page
// "Begin Search" control, tried in order since the exact markup varies by
// state skin (spec.md §6).
var beginSearchSelectors = []string{
	`a#beginSearchLink`,
	`a[id*="beginSearch"]`,
	`button[id*="beginSearch"]`,
	`a:has-text("Begin Search")`,
}

// agreementAcceptSelectors are candidate selectors for the disclaimer's
// Accept control (spec.md §4.2's "agreement gate").
var agreementAcceptSelectors = []string{
	`button#acceptAgreement`,
	`input[id*="accept"][type="submit"]`,
	`a[id*="accept"]`,
	`button:has-text("Accept")`,
}

// blockUIOverlaySelectors detect the translucent overlay PrimeFaces shows
// during AJAX (spec.md §4.2's "cooperative widgets").
var blockUIOverlaySelectors = []string{
	`.ui-blockui`,
	`.blockUI`,
	`div[id$="_blockui"]`,
}

// Navigator drives one browser context against the SERFF portal. Exactly
// one scrape run owns a Navigator at a time (spec.md §5's "browser context
// is owned by exactly one scrape run").
type Navigator struct {
	cfg             config.PortalConfig
	browser         *rod.Browser
	page            *rod.Page
	status          *docStatus
	agreementClicked bool

	// sessionID identifies one browser lifetime in logs, so a restart
	// cycle's log lines can be told apart from the run before it.
	sessionID string
}

// docStatus records the HTTP status of the most recent main-frame document
// response on one page. rod's Navigate/WaitLoad never surface the status
// code themselves, so each page gets a NetworkResponseReceived listener
// feeding one of these — without it a 405 rate-limit answer would read as a
// normal page load.
type docStatus struct {
	code atomic.Int64
}

// Load returns the last recorded document status, or 0 before the first
// navigation completes.
func (d *docStatus) Load() int { return int(d.code.Load()) }

// watchDocumentStatus subscribes page to network events and records every
// main-frame document response status. The listener goroutine ends when the
// page closes.
func watchDocumentStatus(page *rod.Page) *docStatus {
	ds := &docStatus{}
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type == proto.NetworkResourceTypeDocument {
			ds.code.Store(int64(e.Response.Status))
		}
	})
	go wait()
	return ds
}

// New launches a browser and connects the Navigator to it. The caller is
// responsible for calling Close when the run (or a restart cycle) ends.
func New(cfg config.PortalConfig) (*Navigator, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-infobars").
		Set("window-size", "1440,900")

	if cfg.ChromePath != "" {
		l = l.Bin(cfg.ChromePath)
	}
	if cfg.SocksProxy != "" {
		l = l.Proxy(cfg.SocksProxy)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: launch browser"))
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: connect browser"))
	}

	page, err := stealth.Page(browser)
	if err != nil {
		browser.Close()
		return nil, herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: create stealth page"))
	}

	return &Navigator{
		cfg:       cfg,
		browser:   browser,
		page:      page,
		status:    watchDocumentStatus(page),
		sessionID: ulid.Make().String(),
	}, nil
}

// SessionID returns the identifier for this Navigator's current browser
// lifetime, used to correlate log lines across a restart cycle.
func (n *Navigator) SessionID() string { return n.sessionID }

// Close shuts down the browser. Safe to call on a Navigator whose browser
// failed to launch.
func (n *Navigator) Close() {
	if n.page != nil {
		n.page.Close()
	}
	if n.browser != nil {
		n.browser.Close()
	}
}

// Page exposes the active page for the detail-pass helpers in detail.go
// and search.go, which are split into separate files by concern but share
// one browser context.
func (n *Navigator) Page() *rod.Page { return n.page }

// navTimeout bounds one navigation step; the portal has no per-navigation
// config knob so a conservative fixed value is used instead.
const navTimeout = 45 * time.Second

// checkCaptcha inspects the current page for the CAPTCHA/rate-limit signal
// spec.md §4.2 and §6 define: an HTTP 405 on the main-frame document
// response (recorded by the page's network listener) or a title containing
// "verification". A detected block is reported as herrors.KindPortalBlocked
// so callers escalate to the whole run rather than retrying locally.
func (n *Navigator) checkCaptcha() error {
	if code := n.status.Load(); IsCaptchaStatus(code) {
		return herrors.New(herrors.KindPortalBlocked, eris.Errorf("portal: rate-limited with HTTP %d on the last navigation", code))
	}
	info, err := n.page.Info()
	if err != nil {
		return nil
	}
	if IsCaptchaTitle(info.Title) {
		return herrors.New(herrors.KindPortalBlocked, eris.Errorf("portal: captcha/verification interstitial detected (title=%q)", info.Title))
	}
	return nil
}

// clickFirstMatch tries each selector in order and clicks the first
// visible match. Returns an error only if none of the candidates matched —
// callers treat that as "this step isn't needed on this skin" vs a real
// failure, matching the teacher's Dismisser.Dismiss fallback chain.
func clickFirstMatch(page *rod.Page, selectors []string, timeout time.Duration) (string, error) {
	for _, sel := range selectors {
		if strings.Contains(sel, ":has-text") {
			continue // rod has no native :has-text support, so these candidates are skipped
		}
		el, err := page.Timeout(timeout).Element(sel)
		if err != nil {
			continue
		}
		visible, err := el.Visible()
		if err != nil || !visible {
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			continue
		}
		return sel, nil
	}
	return "", eris.New("portal: no candidate selector matched")
}

// waitOverlayGone polls until none of the known block-UI overlay selectors
// are visible, or the timeout elapses. PrimeFaces shows this overlay during
// AJAX and the next interaction must wait for it (spec.md §4.2).
func waitOverlayGone(page *rod.Page, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		anyVisible := false
		for _, sel := range blockUIOverlaySelectors {
			has, _, err := page.Has(sel)
			if err != nil || !has {
				continue
			}
			el, err := page.Element(sel)
			if err != nil {
				continue
			}
			if visible, _ := el.Visible(); visible {
				anyVisible = true
				break
			}
		}
		if !anyVisible {
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}
	return eris.New("portal: block-ui overlay never cleared")
}

// EstablishSession drives the home page → Begin Search → agreement →
// Accept flow for one state, clicking the agreement exactly once per
// session (spec.md §4.2's "agreement gate").
func (n *Navigator) EstablishSession(ctx context.Context, state string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	zap.L().Debug("portal: establishing session", zap.String("state", state), zap.String("session_id", n.sessionID))

	homeURL := fmt.Sprintf("%s/%s/search", strings.TrimRight(n.cfg.BaseURL, "/"), strings.ToLower(state))
	if err := n.page.Timeout(navTimeout).Navigate(homeURL); err != nil {
		return herrors.New(herrors.KindPortalTransient, eris.Wrapf(err, "portal: navigate home for state %s", state))
	}
	if err := n.page.WaitLoad(); err != nil {
		return herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: wait for home page load"))
	}
	if err := n.checkCaptcha(); err != nil {
		return err
	}

	if sel, err := clickFirstMatch(n.page, beginSearchSelectors, 5*time.Second); err == nil {
		zap.L().Debug("portal: clicked begin search", zap.String("selector", sel), zap.String("state", state))
		_ = n.page.WaitLoad()
	}

	if err := n.checkCaptcha(); err != nil {
		return err
	}

	if !n.agreementClicked {
		if sel, err := clickFirstMatch(n.page, agreementAcceptSelectors, 5*time.Second); err == nil {
			zap.L().Info("portal: accepted agreement", zap.String("selector", sel), zap.String("state", state))
			n.agreementClicked = true
			_ = waitOverlayGone(n.page, 5*time.Second)
		}
	}

	return n.checkCaptcha()
}
