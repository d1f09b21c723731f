// Package portal drives a headless browser against SERFF-family filing
// portals (C2): agreement gate, cooperative-widget handling, CAPTCHA and
// session-expiry detection, result-table parsing, and per-filing document
// download. The JSF/PrimeFaces skin varies by state, so every DOM
// interaction is expressed as an ordered list of candidate selectors tried
// in turn, the way the teacher's consent.Dismisser tries CMP selectors.
package portal

import (
	"net/http"
	"strings"
	"time"

	"github.com/sells-group/hermes/internal/model"
)

// SearchParams are the listing-search filters RunSearch fills in. CarrierNAIC,
// ProductSubstr, and FiledDateFrom are optional; LineOfBusiness is always P&C
// per spec.md §4.3's broad listing pass.
type SearchParams struct {
	CarrierNAIC    string
	ProductSubstr  string
	FiledDateFrom  time.Time
}

// FilingResult is one row harvested from the results table before
// normalization and persistence. Column order varies by state skin, so
// ParseResultsPage fills this from header-matched cells, never fixed
// indices.
type FilingResult struct {
	SERFFTracking string
	CarrierName   string
	RawType       string
	RawStatus     string
	EffectiveDate *time.Time
	DataRowKey    string // PrimeFaces data-rk row identifier, used for ClickNextPage's change signal
}

// DetailOutcome classifies what OpenDetail found at the target URL.
type DetailOutcome string

const (
	DetailOK              DetailOutcome = "ok"
	DetailSessionExpired  DetailOutcome = "session_expired"
	DetailUnauthorized    DetailOutcome = "unauthorized"
	DetailServerError     DetailOutcome = "server_error"
)

// resultColumnHeaders maps a semantic column name to the substrings its
// header cell may contain, so ParseResultsPage can map columns by header
// text instead of a hard-coded index (spec.md §4.2's ParseResultsPage).
var resultColumnHeaders = map[string][]string{
	"tracking":  {"SERFF", "Tracking"},
	"carrier":   {"Company", "Carrier"},
	"type":      {"Filing Type", "Type"},
	"status":    {"Status", "Disposition"},
	"effective": {"Effective", "Eff. Date", "Eff Date"},
}

// matchColumn finds the semantic name for a header cell's text, or "" if
// none of the known candidates match. Matching is substring-based and
// case-insensitive since header wording differs slightly across skins.
func matchColumn(header string) string {
	h := strings.ToLower(strings.TrimSpace(header))
	for name, candidates := range resultColumnHeaders {
		for _, c := range candidates {
			if strings.Contains(h, strings.ToLower(c)) {
				return name
			}
		}
	}
	return ""
}

// statusNormalization maps raw portal status text (lowercased, substring
// matched) to the fixed vocabulary in model.FilingStatus.
var statusNormalization = []struct {
	contains string
	status   model.FilingStatus
}{
	{"closed-acknowledged", model.FilingStatusApproved},
	{"closed acknowledged", model.FilingStatusApproved},
	{"disapproved", model.FilingStatusDisapproved},
	{"rejected", model.FilingStatusDisapproved},
	{"approved", model.FilingStatusApproved},
	{"accepted", model.FilingStatusApproved},
	{"withdrawn", model.FilingStatusWithdrawn},
	{"pending", model.FilingStatusPending},
	{"in review", model.FilingStatusPending},
	{"open", model.FilingStatusPending},
}

// NormalizeFilingStatus maps raw portal status text to the fixed
// vocabulary. Unrecognized text defaults to pending rather than failing
// the whole row — spec.md §4.2 only requires normalizing the documented
// cases, and a filing the portal hasn't finished is the safest guess for
// anything new.
func NormalizeFilingStatus(raw string) model.FilingStatus {
	r := strings.ToLower(strings.TrimSpace(raw))
	for _, m := range statusNormalization {
		if strings.Contains(r, m.contains) {
			return m.status
		}
	}
	return model.FilingStatusPending
}

// typeNormalization maps raw portal filing-type text to the fixed
// vocabulary in model.FilingType.
var typeNormalization = []struct {
	contains string
	kind     model.FilingType
}{
	{"rate/rule/form", model.FilingTypeCombo},
	{"rate & rule", model.FilingTypeCombo},
	{"rate/rule", model.FilingTypeCombo},
	{"withdrawal", model.FilingTypeWithdrawal},
	{"rate", model.FilingTypeRate},
	{"rule", model.FilingTypeRule},
	{"form", model.FilingTypeForm},
}

// NormalizeFilingType maps raw portal filing-type text to the fixed
// vocabulary. The combination patterns are checked before the single-word
// ones since "Rate/Rule/Form" would otherwise match "rate" first.
func NormalizeFilingType(raw string) model.FilingType {
	r := strings.ToLower(strings.TrimSpace(raw))
	for _, m := range typeNormalization {
		if strings.Contains(r, m.contains) {
			return m.kind
		}
	}
	return model.FilingTypeRate
}

// IsGroupRestricted reports whether a SERFF tracking number marks an
// access-restricted group filing: a "-G" segment after the issuer prefix.
// Such filings' documents are never retrievable and must be skipped
// (spec.md §4.2, §4.3).
func IsGroupRestricted(tracking string) bool {
	return strings.Contains(strings.ToUpper(tracking), "-G")
}

// captchaTitlePatterns are page-title substrings that indicate a CAPTCHA or
// rate-limit interstitial (spec.md §4.2, §6). HTTP 405 is the other signal,
// checked separately against the navigation response.
var captchaTitlePatterns = []string{
	"verification",
	"are you a robot",
	"rate limit",
}

// IsCaptchaStatus reports whether a main-frame document response status
// indicates the portal's CAPTCHA/rate-limit gate. SERFF answers a
// rate-limited navigation with HTTP 405 (spec.md §6); the title check below
// covers the interstitial it serves instead when the request goes through.
func IsCaptchaStatus(status int) bool {
	return status == http.StatusMethodNotAllowed
}

// IsCaptchaTitle reports whether a page title indicates a CAPTCHA or
// human-verification interstitial.
func IsCaptchaTitle(title string) bool {
	t := strings.ToLower(title)
	for _, p := range captchaTitlePatterns {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

// detailOutcomeURLMarkers classifies the final URL OpenDetail lands on.
// Checked in this order: a URL can only carry one marker in practice, but
// sessionExpired is checked first since it's the most common transient case.
var detailOutcomeURLMarkers = []struct {
	marker  string
	outcome DetailOutcome
}{
	{"sessionexpired", DetailSessionExpired},
	{"unauthorized", DetailUnauthorized},
	{"/500", DetailServerError},
	{"error500", DetailServerError},
}

// ClassifyDetailURL inspects the final URL OpenDetail landed on (after any
// redirect). A known failure marker decides the outcome; otherwise a
// filing-summary URL is DetailOK and any other URL is DetailSessionExpired.
func ClassifyDetailURL(finalURL string) DetailOutcome {
	u := strings.ToLower(finalURL)
	for _, m := range detailOutcomeURLMarkers {
		if strings.Contains(u, m.marker) {
			return m.outcome
		}
	}
	if strings.Contains(u, "filingsummary") {
		return DetailOK
	}
	return DetailSessionExpired
}
