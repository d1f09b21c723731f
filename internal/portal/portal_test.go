package portal

import (
	"testing"
	"time"

	"github.com/sells-group/hermes/internal/model"
)

func TestNormalizeFilingStatus(t *testing.T) {
	cases := map[string]model.FilingStatus{
		"Closed-Acknowledged":   model.FilingStatusApproved,
		"Approved":              model.FilingStatusApproved,
		"Filing Withdrawn":      model.FilingStatusWithdrawn,
		"Disapproved by Dept.":  model.FilingStatusDisapproved,
		"Pending Industry Response": model.FilingStatusPending,
		"Something Unrecognized":    model.FilingStatusPending,
	}
	for raw, want := range cases {
		if got := NormalizeFilingStatus(raw); got != want {
			t.Errorf("NormalizeFilingStatus(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestNormalizeFilingType(t *testing.T) {
	cases := map[string]model.FilingType{
		"Rate/Rule/Form": model.FilingTypeCombo,
		"Rate Only":      model.FilingTypeRate,
		"Rule":           model.FilingTypeRule,
		"Form":           model.FilingTypeForm,
		"Withdrawal":     model.FilingTypeWithdrawal,
		"???":            model.FilingTypeRate,
	}
	for raw, want := range cases {
		if got := NormalizeFilingType(raw); got != want {
			t.Errorf("NormalizeFilingType(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestMatchColumn(t *testing.T) {
	cases := map[string]string{
		"SERFF Tr Num":  "tracking",
		"Company Name":  "carrier",
		"Filing Type":   "type",
		"Disposition":   "status",
		"Eff. Date":     "effective",
		"Something Else": "",
	}
	for header, want := range cases {
		if got := matchColumn(header); got != want {
			t.Errorf("matchColumn(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestIsGroupRestricted(t *testing.T) {
	if !IsGroupRestricted("ABCD-123456789-G") {
		t.Error("expected group-restricted tracking to be detected")
	}
	if IsGroupRestricted("ABCD-123456789") {
		t.Error("expected non-group tracking to not be flagged")
	}
}

func TestIsCaptchaStatus(t *testing.T) {
	if !IsCaptchaStatus(405) {
		t.Error("expected HTTP 405 to be detected as the rate-limit gate")
	}
	for _, code := range []int{0, 200, 404, 500} {
		if IsCaptchaStatus(code) {
			t.Errorf("expected HTTP %d to not be flagged", code)
		}
	}
}

func TestDocStatus_RecordsLastDocumentResponse(t *testing.T) {
	ds := &docStatus{}
	if got := ds.Load(); got != 0 {
		t.Fatalf("fresh docStatus should read 0, got %d", got)
	}
	ds.code.Store(405)
	if !IsCaptchaStatus(ds.Load()) {
		t.Error("a recorded 405 must trip the captcha-status check")
	}
	ds.code.Store(200)
	if IsCaptchaStatus(ds.Load()) {
		t.Error("a later 200 must clear the captcha-status check")
	}
}

func TestIsCaptchaTitle(t *testing.T) {
	if !IsCaptchaTitle("Human Verification Required") {
		t.Error("expected verification title to be detected")
	}
	if IsCaptchaTitle("Filing Summary") {
		t.Error("expected normal title to not be flagged")
	}
}

func TestClassifyDetailURL(t *testing.T) {
	cases := map[string]DetailOutcome{
		"https://portal.example/sessionExpired.xhtml":      DetailSessionExpired,
		"https://portal.example/unauthorized.xhtml":         DetailUnauthorized,
		"https://portal.example/error/500":                  DetailServerError,
		"https://portal.example/filingSummary.xhtml?id=123": DetailOK,
		"https://portal.example/unknown.xhtml":               DetailSessionExpired,
	}
	for url, want := range cases {
		if got := ClassifyDetailURL(url); got != want {
			t.Errorf("ClassifyDetailURL(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestParsePortalDate(t *testing.T) {
	d, ok := parsePortalDate("01/15/2026")
	if !ok || d.Year() != 2026 || d.Month() != time.January || d.Day() != 15 {
		t.Fatalf("parsePortalDate(01/15/2026) = %v, %v", d, ok)
	}
	if _, ok := parsePortalDate("not a date"); ok {
		t.Error("expected unparseable date to report ok=false")
	}
}
