package portal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hermes/internal/herrors"
)

// rateChangeRegex sweeps free text for an overall-rate-change percentage
// mention, the fallback strategy ExtractDetailMetadata uses when no
// labeled field carries it.
var rateChangeRegex = regexp.MustCompile(`(?i)(overall\s+rate\s+change|rate\s+impact)[^0-9+\-]{0,20}([+\-]?\d+(\.\d+)?)\s*%`)

// OpenDetail opens a filing's detail page in a new page (to avoid losing
// the listing page's state), verifies the final URL, and classifies a
// failed landing as session-expired, unauthorized, or server-error
// (spec.md §4.2).
func (n *Navigator) OpenDetail(ctx context.Context, numericID string) (*rod.Page, DetailOutcome, error) {
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	detailURL := fmt.Sprintf("%s/filingSummary.xhtml?filingId=%s", strings.TrimRight(n.cfg.BaseURL, "/"), numericID)

	// the page starts blank so the network listener is attached before the
	// navigation's document response arrives
	page, err := n.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, "", herrors.New(herrors.KindPortalTransient, eris.Wrapf(err, "portal: open detail page for filing %s", numericID))
	}
	status := watchDocumentStatus(page)
	if err := page.Timeout(navTimeout).Navigate(detailURL); err != nil {
		page.Close()
		return nil, "", herrors.New(herrors.KindPortalTransient, eris.Wrapf(err, "portal: navigate to filing %s", numericID))
	}
	if err := page.Timeout(navTimeout).WaitLoad(); err != nil {
		page.Close()
		return nil, "", herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: wait for detail page load"))
	}

	if code := status.Load(); IsCaptchaStatus(code) {
		page.Close()
		return nil, "", herrors.New(herrors.KindPortalBlocked, eris.Errorf("portal: rate-limited with HTTP %d opening filing %s", code, numericID))
	}

	info, err := page.Info()
	if err != nil {
		page.Close()
		return nil, "", herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: read detail page info"))
	}

	if IsCaptchaTitle(info.Title) {
		page.Close()
		return nil, "", herrors.New(herrors.KindPortalBlocked, eris.Errorf("portal: captcha on detail page for filing %s", numericID))
	}

	outcome := ClassifyDetailURL(info.URL)
	switch outcome {
	case DetailOK:
		return page, outcome, nil
	case DetailSessionExpired:
		page.Close()
		return nil, outcome, herrors.New(herrors.KindPortalTransient, eris.Errorf("portal: session expired opening filing %s (url=%s)", numericID, info.URL))
	default: // unauthorized, server_error
		page.Close()
		return nil, outcome, herrors.New(herrors.KindPortalPermanent, eris.Errorf("portal: permanent failure opening filing %s (url=%s)", numericID, info.URL))
	}
}

// ExtractDetailMetadata harvests label/value pairs from a filing's detail
// page using several strategies (spec.md §4.2): label/for-target pairs,
// <tr> key/value rows, definition lists, plus a regex sweep for rate-change
// mentions. Panel titles are not read. Missing keys are acceptable — the
// caller treats the result as a best-effort map.
func ExtractDetailMetadata(page *rod.Page) (map[string]string, error) {
	meta := map[string]string{}

	labels, err := page.Elements(`label[for]`)
	if err == nil {
		for _, lbl := range labels {
			forAttr, _ := lbl.Attribute("for")
			if forAttr == nil {
				continue
			}
			target, err := page.Element(fmt.Sprintf(`#%s`, *forAttr))
			if err != nil {
				continue
			}
			key, _ := lbl.Text()
			val, _ := target.Text()
			key = strings.TrimSpace(strings.TrimSuffix(key, ":"))
			if key != "" && strings.TrimSpace(val) != "" {
				meta[key] = strings.TrimSpace(val)
			}
		}
	}

	rows, err := page.Elements(`tr`)
	if err == nil {
		for _, row := range rows {
			cells, err := row.Elements(`td`)
			if err != nil || len(cells) < 2 {
				continue
			}
			key, _ := cells[0].Text()
			val, _ := cells[1].Text()
			key = strings.TrimSpace(strings.TrimSuffix(key, ":"))
			if key != "" && strings.TrimSpace(val) != "" {
				if _, exists := meta[key]; !exists {
					meta[key] = strings.TrimSpace(val)
				}
			}
		}
	}

	dts, errDt := page.Elements(`dl dt`)
	dds, errDd := page.Elements(`dl dd`)
	if errDt == nil && errDd == nil && len(dts) == len(dds) {
		for i := range dts {
			key, _ := dts[i].Text()
			val, _ := dds[i].Text()
			key = strings.TrimSpace(strings.TrimSuffix(key, ":"))
			if key != "" && strings.TrimSpace(val) != "" {
				if _, exists := meta[key]; !exists {
					meta[key] = strings.TrimSpace(val)
				}
			}
		}
	}

	if body, err := page.Element("body"); err == nil {
		if bodyText, err := body.Text(); err == nil {
			if m := rateChangeRegex.FindStringSubmatch(bodyText); m != nil {
				meta["overall_rate_change_pct"] = m[2]
			}
		}
	}

	return meta, nil
}

// DownloadedDoc is one document successfully saved to disk with its SHA-256
// computed at save time (spec.md §4.3).
type DownloadedDoc struct {
	Name           string
	LocalPath      string
	SizeBytes      int64
	ChecksumSHA256 string
}

// documentLinkSelectors are candidates for the per-document command-link
// anchors on a detail page (spec.md §4.2's DownloadDocumentLinks).
var documentLinkSelectors = []string{
	`a.ui-commandlink[id*="document"]`,
	`a[id*="docLink"]`,
	`a[href*=".pdf"]`,
}

// DownloadDocumentLinks walks every document anchor on the page and saves
// each to destDir, trying two strategies in order: a download observed
// after clicking the link, then a raw HTTP GET against the link's href
// (spec.md §4.2). No new-tab open is attempted. Each strategy is given up
// to 15s.
func (n *Navigator) DownloadDocumentLinks(ctx context.Context, page *rod.Page, destDir string) ([]DownloadedDoc, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "portal: create document destination dir"))
	}

	links, err := firstVisibleElements(page, documentLinkSelectors)
	if err != nil {
		return nil, nil // no documents on this filing
	}

	var docs []DownloadedDoc
	for _, link := range links {
		name, _ := link.Text()
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("document_%d.pdf", len(docs)+1)
		}
		href, _ := link.Attribute("href")

		dest := filepath.Join(destDir, name)
		if info, statErr := os.Stat(dest); statErr == nil && info.Size() > 0 {
			sum, sumErr := sha256File(dest)
			if sumErr == nil {
				docs = append(docs, DownloadedDoc{Name: name, LocalPath: dest, SizeBytes: info.Size(), ChecksumSHA256: sum})
				continue
			}
		}

		saved, saveErr := downloadViaClickEvent(page, link, dest)
		if saveErr != nil && href != nil {
			saved, saveErr = downloadViaHTTP(ctx, resolveHref(page, *href), dest)
		}
		if saveErr != nil {
			zap.L().Warn("portal: document download failed on all fallbacks", zap.String("name", name), zap.Error(saveErr))
			continue
		}

		sum, err := sha256File(saved)
		if err != nil {
			zap.L().Warn("portal: checksum computation failed", zap.String("path", saved), zap.Error(err))
			continue
		}
		info, err := os.Stat(saved)
		if err != nil {
			continue
		}
		docs = append(docs, DownloadedDoc{Name: name, LocalPath: saved, SizeBytes: info.Size(), ChecksumSHA256: sum})
	}

	return docs, nil
}

// downloadViaClickEvent clicks the link and polls its destination directory
// for a new file to land, saving the result to dest. This is the first,
// preferred strategy — it mirrors how a real user would trigger a browser
// download without assuming a particular CDP event shape.
func downloadViaClickEvent(page *rod.Page, link *rod.Element, dest string) (string, error) {
	dir := filepath.Dir(dest)
	before, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "portal: list download dir before click")
	}
	seen := make(map[string]bool, len(before))
	for _, e := range before {
		seen[e.Name()] = true
	}

	if err := link.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", eris.Wrap(err, "portal: click document link")
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(dir)
		if err == nil {
			for _, e := range entries {
				if seen[e.Name()] || e.IsDir() || strings.HasSuffix(e.Name(), ".crdownload") {
					continue
				}
				newPath := filepath.Join(dir, e.Name())
				if newPath == dest {
					return dest, nil
				}
				if err := os.Rename(newPath, dest); err != nil {
					return newPath, nil // keep the browser-chosen name rather than fail the download
				}
				return dest, nil
			}
		}
		time.Sleep(300 * time.Millisecond)
	}
	return "", eris.New("portal: no download observed after click")
}

// downloadViaHTTP performs a raw GET against url and writes the body to
// dest, used as the fallback when no download follows the click.
func downloadViaHTTP(ctx context.Context, url, dest string) (string, error) {
	if url == "" {
		return "", eris.New("portal: no href to fetch")
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", eris.Wrap(err, "portal: build document fetch request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "portal: fetch document over http")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("portal: document fetch returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", eris.Wrap(err, "portal: create document file")
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", eris.Wrap(err, "portal: write document file")
	}
	return dest, nil
}

// resolveHref resolves a possibly-relative href against the page's current
// URL so downloadViaHTTP receives an absolute URL. The href is returned
// unchanged when the page URL cannot be read or either URL fails to parse.
func resolveHref(page *rod.Page, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	info, err := page.Info()
	if err != nil {
		return href
	}
	base, err := url.Parse(info.URL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
