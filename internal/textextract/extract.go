// Package textextract turns a local PDF into page-numbered plain text and a
// best-guess document type, the input C5's parsers work from (C4).
package textextract

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"

	"github.com/sells-group/hermes/internal/herrors"
)

// Page is one page's extracted plain text.
type Page struct {
	PageNumber int
	Text       string
}

// DocType enumerates the guessed document type vocabulary.
type DocType string

const (
	DocTypeRate  DocType = "rate"
	DocTypeRule  DocType = "rule"
	DocTypeForm  DocType = "form"
	DocTypeOther DocType = "other"
)

// Result is the output of extracting one PDF.
type Result struct {
	Pages    []Page
	DocType  DocType
	Warnings []string
}

// maxPages bounds how much of a very long filing exhibit gets extracted;
// rate/rule/form documents in SERFF filings rarely run past this.
const maxPages = 400

// Extract opens the PDF at path, pulls plain text from every page (up to
// maxPages), and classifies the document type from its filename and
// content. Corrupt PDFs (the ledongthuc/pdf decoder panics on some
// malformed streams) are recovered and reported as a parse_partial error
// rather than crashing the caller.
func Extract(name, path string) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = herrors.New(herrors.KindParsePartial, eris.New(fmt.Sprintf("textextract: panic reading %s: %v", path, r)))
		}
	}()

	f, r, openErr := pdf.Open(path)
	if openErr != nil {
		return nil, herrors.New(herrors.KindParsePartial, eris.Wrap(openErr, "textextract: open pdf"))
	}
	defer f.Close()

	var pages []Page
	total := r.NumPage()
	for i := 1; i <= total && i <= maxPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, textErr := page.GetPlainText(nil)
		if textErr != nil {
			continue
		}
		pages = append(pages, Page{PageNumber: i, Text: text})
	}

	res := &Result{Pages: pages}

	firstPageText := ""
	if len(pages) > 0 {
		firstPageText = pages[0].Text
	}
	if allEmpty(pages) {
		res.DocType = DocTypeOther
		res.Warnings = append(res.Warnings, "textextract: no extractable text, likely a scanned image PDF")
		return res, nil
	}

	res.DocType = classify(name, firstPageText, concatAll(pages))
	return res, nil
}

func allEmpty(pages []Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return false
		}
	}
	return true
}

func concatAll(pages []Page) string {
	var sb strings.Builder
	for _, p := range pages {
		sb.WriteString(p.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// rateKeywords, ruleKeywords, and formKeywords are scored by frequency
// against the document body; filename and first-page heading matches are
// weighted higher since they're the most reliable signal.
var (
	rateKeywords = []string{"rate", "base rate", "territory", "class code", "premium rate", "rating factor"}
	ruleKeywords = []string{"rule", "underwriting", "eligibility", "manual rule", "classification rule"}
	formKeywords = []string{"policy form", "endorsement", "coverage form", "declarations", "form number"}
)

// classify guesses a document type from its filename, first-page heading
// text, and whole-body keyword frequency. Filename and heading hits are
// weighted 5x a body keyword hit.
func classify(filename, firstPage, body string) DocType {
	lowerName := strings.ToLower(filepath.Base(filename))
	lowerFirstPage := strings.ToLower(firstPage)
	lowerBody := strings.ToLower(body)

	scores := map[DocType]int{DocTypeRate: 0, DocTypeRule: 0, DocTypeForm: 0}
	score := func(t DocType, keywords []string) {
		for _, kw := range keywords {
			if strings.Contains(lowerName, kw) {
				scores[t] += 5
			}
			if strings.Contains(lowerFirstPage, kw) {
				scores[t] += 5
			}
			scores[t] += strings.Count(lowerBody, kw)
		}
	}
	score(DocTypeRate, rateKeywords)
	score(DocTypeRule, ruleKeywords)
	score(DocTypeForm, formKeywords)

	best := DocTypeOther
	bestScore := 0
	for _, t := range []DocType{DocTypeRate, DocTypeRule, DocTypeForm} {
		if scores[t] > bestScore {
			best = t
			bestScore = scores[t]
		}
	}
	return best
}
