package portal

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hermes/internal/herrors"
)

// lineOfBusinessSelectSelectors are candidates for the P&C line-of-business
// dropdown trigger. SERFF dropdowns are custom PrimeFaces widgets, not
// native <select> elements, so they must be opened before an option is
// clickable (spec.md §4.2's "cooperative widgets").
var lineOfBusinessSelectSelectors = []string{
	`div[id*="lob"] .ui-selectonemenu-trigger`,
	`div[id*="typeOfInsurance"] .ui-selectonemenu-trigger`,
	`.ui-selectonemenu-trigger`,
}

var carrierNAICInputSelectors = []string{
	`input[id*="companyNaic"]`,
	`input[id*="naic"]`,
}

var productSubstrInputSelectors = []string{
	`input[id*="productName"]`,
	`input[id*="filingDescription"]`,
}

var filedDateFromInputSelectors = []string{
	`input[id*="filedDateFrom"]`,
	`input[id*="dateFrom"]`,
}

var searchSubmitSelectors = []string{
	`button#searchButton`,
	`button[id*="search"][id*="submit"]`,
	`a[id*="search"][id*="submit"]`,
}

// firstVisible tries each selector in order, returning the first element
// that exists and is visible. This is the shared lookup every cooperative-
// widget helper uses instead of hard-coding one selector per state skin.
func firstVisible(page *rod.Page, selectors []string, timeout time.Duration) (*rod.Element, error) {
	for _, sel := range selectors {
		el, err := page.Timeout(timeout).Element(sel)
		if err != nil {
			continue
		}
		if visible, err := el.Visible(); err == nil && visible {
			return el, nil
		}
	}
	return nil, eris.New("portal: no candidate selector matched")
}

// openCooperativeDropdown toggles a custom PrimeFaces dropdown open, waits
// for its panel, clicks the option whose text contains optionSubstr (case
// insensitive), and waits for the block-UI overlay to clear.
func openCooperativeDropdown(n *Navigator, triggerSelectors []string, optionSubstr string) error {
	trigger, err := firstVisible(n.page, triggerSelectors, 5*time.Second)
	if err != nil {
		return eris.Wrap(err, "portal: locate dropdown trigger")
	}
	if err := trigger.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return eris.Wrap(err, "portal: open dropdown")
	}

	panel, err := n.page.Timeout(3 * time.Second).Element(`.ui-selectonemenu-panel:not(.ui-helper-hidden)`)
	if err != nil {
		return eris.Wrap(err, "portal: dropdown panel never opened")
	}

	options, err := panel.Elements(`li.ui-selectonemenu-item`)
	if err != nil {
		return eris.Wrap(err, "portal: list dropdown options")
	}
	for _, opt := range options {
		text, err := opt.Text()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(text), strings.ToLower(optionSubstr)) {
			if err := opt.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return eris.Wrap(err, "portal: click dropdown option")
			}
			return waitOverlayGone(n.page, 5*time.Second)
		}
	}
	return eris.Errorf("portal: no dropdown option matched %q", optionSubstr)
}

// fillInput locates the first visible input matching selectors and types
// value into it, clearing any existing content first.
func fillInput(page *rod.Page, selectors []string, value string) error {
	if value == "" {
		return nil
	}
	el, err := firstVisible(page, selectors, 3*time.Second)
	if err != nil {
		return nil // optional filter, not present on this skin — not fatal
	}
	if err := el.SelectAllText(); err != nil {
		return eris.Wrap(err, "portal: select input text")
	}
	if err := el.Input(value); err != nil {
		return eris.Wrap(err, "portal: type input value")
	}
	return nil
}

// RunSearch selects P&C as the line of business, fills the optional
// carrier/product/filed-date-from filters, submits, and asserts the URL
// moved to the results page (spec.md §4.2).
func (n *Navigator) RunSearch(ctx context.Context, params SearchParams) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := openCooperativeDropdown(n, lineOfBusinessSelectSelectors, "Property and Casualty"); err != nil {
		zap.L().Warn("portal: line-of-business dropdown not found, assuming default selection", zap.Error(err))
	}

	if err := fillInput(n.page, carrierNAICInputSelectors, params.CarrierNAIC); err != nil {
		return herrors.New(herrors.KindPortalTransient, err)
	}
	if err := fillInput(n.page, productSubstrInputSelectors, params.ProductSubstr); err != nil {
		return herrors.New(herrors.KindPortalTransient, err)
	}
	if !params.FiledDateFrom.IsZero() {
		if err := fillInput(n.page, filedDateFromInputSelectors, params.FiledDateFrom.Format("01/02/2006")); err != nil {
			return herrors.New(herrors.KindPortalTransient, err)
		}
	}

	submit, err := firstVisible(n.page, searchSubmitSelectors, 5*time.Second)
	if err != nil {
		return herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: locate search submit control"))
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: submit search"))
	}
	if err := waitOverlayGone(n.page, 10*time.Second); err != nil {
		zap.L().Debug("portal: overlay wait after search submit timed out", zap.Error(err))
	}
	if err := n.checkCaptcha(); err != nil {
		return err
	}

	info, err := n.page.Info()
	if err != nil {
		return herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: read page info after search"))
	}
	if !strings.Contains(strings.ToLower(info.URL), "result") {
		return herrors.New(herrors.KindPortalTransient, eris.Errorf("portal: search did not navigate to results page (url=%s)", info.URL))
	}
	return nil
}

// resultsTableRowSelectors are candidates for the results-table body rows.
var resultsTableRowSelectors = []string{
	`table[id*="resultsTable"] tbody tr`,
	`table[id*="filingSearchResults"] tbody tr`,
	`.ui-datatable-data tr`,
}

var resultsTableHeaderSelectors = []string{
	`table[id*="resultsTable"] thead th`,
	`table[id*="filingSearchResults"] thead th`,
	`.ui-datatable thead th`,
}

// ParseResultsPage locates the results table by its semantic column
// headers and parses one FilingResult per row. Column order varies by
// state, so columns are mapped by header substring, never by index
// (spec.md §4.2).
func (n *Navigator) ParseResultsPage(ctx context.Context) ([]FilingResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	headerEls, err := firstVisibleElements(n.page, resultsTableHeaderSelectors)
	if err != nil {
		return nil, herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: locate results table headers"))
	}

	columnOrder := make([]string, 0, len(headerEls))
	for _, h := range headerEls {
		text, _ := h.Text()
		columnOrder = append(columnOrder, matchColumn(text))
	}

	rowEls, err := firstVisibleElements(n.page, resultsTableRowSelectors)
	if err != nil {
		return nil, herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: locate results table rows"))
	}

	results := make([]FilingResult, 0, len(rowEls))
	for _, row := range rowEls {
		cells, err := row.Elements(`td`)
		if err != nil {
			continue
		}
		fr := FilingResult{}
		if rk, err := row.Attribute("data-rk"); err == nil && rk != nil {
			fr.DataRowKey = *rk
		}
		for i, cell := range cells {
			if i >= len(columnOrder) {
				break
			}
			text, err := cell.Text()
			if err != nil {
				continue
			}
			text = strings.TrimSpace(text)
			switch columnOrder[i] {
			case "tracking":
				fr.SERFFTracking = text
			case "carrier":
				fr.CarrierName = text
			case "type":
				fr.RawType = text
			case "status":
				fr.RawStatus = text
			case "effective":
				if d, ok := parsePortalDate(text); ok {
					fr.EffectiveDate = &d
				}
			}
		}
		if fr.SERFFTracking != "" {
			results = append(results, fr)
		}
	}

	return results, nil
}

// firstVisibleElements tries each selector candidate and returns the first
// non-empty element list found.
func firstVisibleElements(page *rod.Page, selectors []string) (rod.Elements, error) {
	for _, sel := range selectors {
		els, err := page.Elements(sel)
		if err != nil || len(els) == 0 {
			continue
		}
		return els, nil
	}
	return nil, eris.New("portal: no candidate selector matched any element")
}

func parsePortalDate(text string) (t time.Time, ok bool) {
	text = strings.TrimSpace(text)
	for _, layout := range []string{"01/02/2006", "2006-01-02", "Jan 2, 2006"} {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// ClickNextPage captures the paginator text and first row's data-rk before
// clicking, then polls up to 15s for either to change — the only reliable
// change signal under PrimeFaces, since network-idle never fires reliably
// (spec.md §4.2, §9). Returns false once the paginator no longer advances
// (last page reached).
func (n *Navigator) ClickNextPage(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	paginatorBefore := n.paginatorText()
	rowKeyBefore := n.firstRowKey()

	nextEl, err := firstVisible(n.page, nextPageSelectors, 3*time.Second)
	if err != nil {
		return false, nil // no next-page control — last page
	}
	disabled, _ := nextEl.Attribute("class")
	if disabled != nil && strings.Contains(*disabled, "ui-state-disabled") {
		return false, nil
	}
	if err := nextEl.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "portal: click next page"))
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if n.paginatorText() != paginatorBefore || n.firstRowKey() != rowKeyBefore {
			return true, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false, herrors.New(herrors.KindPortalTransient, eris.New("portal: paginator never changed after next-page click"))
}

var nextPageSelectors = []string{
	`a.ui-paginator-next`,
	`a[aria-label="Next Page"]`,
	`.ui-paginator-next`,
}

var paginatorTextSelectors = []string{
	`.ui-paginator-current`,
}

func (n *Navigator) paginatorText() string {
	el, err := firstVisible(n.page, paginatorTextSelectors, 2*time.Second)
	if err != nil {
		return ""
	}
	text, _ := el.Text()
	return text
}

func (n *Navigator) firstRowKey() string {
	rows, err := firstVisibleElements(n.page, resultsTableRowSelectors)
	if err != nil || len(rows) == 0 {
		return ""
	}
	rk, err := rows[0].Attribute("data-rk")
	if err != nil || rk == nil {
		return ""
	}
	return *rk
}
