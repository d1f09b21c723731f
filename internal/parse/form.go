package parse

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
	"github.com/sells-group/hermes/internal/textextract"
	"github.com/sells-group/hermes/pkg/anthropic"
)

// formBodyTokenBudget bounds how much body text gets sent to the LLM for
// provision summarization, in characters, leaving headroom for the system
// prompt and response within the configured output token cap.
const formBodyTokenBudget = 24000

var (
	formNumberPattern  = regexp.MustCompile(`(?i)form\s*(?:no\.?|number|#)?\s*[:\-]?\s*([A-Z]{1,6}[-\s]?\d{2,6}[A-Z]{0,4})`)
	editionDatePattern = regexp.MustCompile(`(?i)\(?\bed\.?\s*(\d{1,2}[/\-]\d{2,4})\b\)?`)
)

var formTypeKeywords = map[string]string{
	"endorsement":  "endorsement",
	"declarations": "declarations",
	"declaration":  "declarations",
	"base policy":  "base_form",
	"policy form":  "base_form",
}

// FormParser extracts first-page form metadata via regex and
// LLM-summarizes the body's coverage provisions, per spec.md §4.5.
type FormParser struct {
	store     store.Store
	llm       anthropic.Client
	model     string
	maxTokens int64
}

func newFormParser(st store.Store, llm anthropic.Client, llmModel string, maxTokens int64) *FormParser {
	return &FormParser{store: st, llm: llm, model: llmModel, maxTokens: maxTokens}
}

func (p *FormParser) kind() string { return "form" }

type provisionExtraction struct {
	Provisions []provisionItem `json:"provisions"`
}

type provisionItem struct {
	Type       string  `json:"type"` // coverage_grant | exclusion | condition | definition
	Text       string  `json:"text"`
	Tag        string  `json:"tag"` // broadening | restricting | ""
	Confidence float64 `json:"confidence"`
}

func (p *FormParser) run(ctx context.Context, doc model.FilingDocument, pages []textextract.Page) *subResult {
	res := &subResult{CountsByKind: map[string]int{}}
	if len(pages) == 0 {
		res.Status = model.ParseStatusFailed
		res.Errors = append(res.Errors, "form: no pages extracted")
		return res
	}

	form := &model.PolicyForm{FilingID: doc.FilingID, DocumentID: doc.ID, IsCurrent: true, SourcePage: pages[0].PageNumber}
	firstPageConf := firstPageMetadata(form, pages[0].Text)
	res.Confidences = append(res.Confidences, firstPageConf)
	if form.FormNumber == "" {
		res.Warnings = append(res.Warnings, "form: no form number detected on first page")
	}

	body := bodyText(pages)
	ext, calls, usage, err := p.extractProvisions(ctx, body)
	res.AICalls += calls
	res.Usage.Add(usage)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	} else if ext != nil {
		for i, item := range ext.Provisions {
			conf := item.Confidence
			if conf == 0 {
				conf = 0.5
			}
			if item.Text == "" || item.Type == "" {
				conf /= 2
			}
			form.Provisions = append(form.Provisions, model.FormProvision{
				Type:       model.ProvisionType(item.Type),
				Text:       item.Text,
				Tag:        model.BroadeningTag(item.Tag),
				Confidence: conf,
			})
			res.Confidences = append(res.Confidences, conf)
			routeForReview(ctx, p.store, doc.ID, "policy_form.provisions["+strconv.Itoa(i)+"]", item, conf)
		}
		res.CountsByKind["provision"] = len(ext.Provisions)
	}

	if err := p.store.UpsertPolicyForm(ctx, form); err != nil {
		res.Errors = append(res.Errors, "form: store write failed: "+err.Error())
		res.Status = model.ParseStatusFailed
		return res
	}
	res.CountsByKind["policy_form"] = 1

	switch {
	case err != nil:
		res.Status = model.ParseStatusPartial
	default:
		res.Status = model.ParseStatusCompleted
	}
	return res
}

// firstPageMetadata regex-extracts form number, edition date, and form type
// from the first page, returning a confidence proportional to how much was
// found.
func firstPageMetadata(form *model.PolicyForm, firstPage string) float64 {
	hits := 0
	total := 3

	if m := formNumberPattern.FindStringSubmatch(firstPage); len(m) > 1 {
		form.FormNumber = strings.TrimSpace(m[1])
		hits++
	}
	if m := editionDatePattern.FindStringSubmatch(firstPage); len(m) > 1 {
		form.EditionDate = m[1]
		hits++
	}
	lower := strings.ToLower(firstPage)
	for kw, t := range formTypeKeywords {
		if strings.Contains(lower, kw) {
			form.FormType = t
			hits++
			break
		}
	}

	conf := float64(hits) / float64(total)
	form.Confidence = conf
	return conf
}

func (p *FormParser) extractProvisions(ctx context.Context, body string) (*provisionExtraction, int, anthropic.TokenUsage, error) {
	if strings.TrimSpace(body) == "" {
		return nil, 0, anthropic.TokenUsage{}, nil
	}
	if len(body) > formBodyTokenBudget {
		body = body[:formBodyTokenBudget]
	}

	system := "You are an insurance policy form analyst. Summarize every distinct coverage provision in the " +
		"body below. Respond with a single JSON object: " +
		`{"provisions":[{"type":"coverage_grant|exclusion|condition|definition","text":"...","tag":"broadening|restricting|","confidence":0.0}]}. ` +
		"Use \"tag\" only when the provision clearly broadens or restricts coverage relative to a standard form; " +
		"otherwise use an empty string. Respond with JSON only."

	text, usage, err := callLLM(ctx, p.llm, p.model, p.maxTokens, system, body)
	if err != nil {
		return nil, 0, anthropic.TokenUsage{}, err
	}
	var ext provisionExtraction
	if err := json.Unmarshal([]byte(cleanJSON(text)), &ext); err != nil {
		return nil, 1, usage, llmBadOutput("form provision json decode", err)
	}
	return &ext, 1, usage, nil
}

func bodyText(pages []textextract.Page) string {
	var sb strings.Builder
	for i, p := range pages {
		if i == 0 {
			continue // first page handled by regex metadata extraction
		}
		sb.WriteString(p.Text)
		sb.WriteString("\n")
	}
	if sb.Len() == 0 && len(pages) > 0 {
		return pages[0].Text
	}
	return sb.String()
}
