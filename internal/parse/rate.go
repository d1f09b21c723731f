package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
	"github.com/sells-group/hermes/internal/textextract"
	"github.com/sells-group/hermes/pkg/anthropic"
)

// maxRateCandidatesPerDoc bounds how many candidate tables get sent to the
// LLM per document, so one oversized exhibit can't blow the cost budget.
const maxRateCandidatesPerDoc = 40

// rateCandidateConcurrency bounds concurrent LLM calls per document,
// mirroring the teacher's executeBatch errgroup.SetLimit pattern.
const rateCandidateConcurrency = 4

// tableRowPattern flags a line as "table-like": at least two tokens
// separated by a tab or by two or more spaces, with a digit somewhere after
// the first token (rate/factor cells, dollar amounts, or percentages).
var tableRowPattern = regexp.MustCompile(`^\s*\S+(\s{2,}|\t)\S.*\d`)

// rateCandidate is one detected table plus its preceding caption line.
type rateCandidate struct {
	page    int
	caption string
	body    string
}

// RateParser extracts base rates, rating factors, territory definitions,
// class-code mappings, and the premium algorithm narrative from a rate
// filing exhibit, per spec.md §4.5.
type RateParser struct {
	store     store.Store
	llm       anthropic.Client
	model     string
	maxTokens int64
}

func newRateParser(st store.Store, llm anthropic.Client, llmModel string, maxTokens int64) *RateParser {
	return &RateParser{store: st, llm: llm, model: llmModel, maxTokens: maxTokens}
}

func (p *RateParser) kind() string { return "rate" }

// run detects candidate tables on every page, sends each to the LLM
// concurrently, and aggregates the results into one RateTable row.
func (p *RateParser) run(ctx context.Context, doc model.FilingDocument, pages []textextract.Page) *subResult {
	candidates := detectRateCandidates(pages)
	if len(candidates) > maxRateCandidatesPerDoc {
		candidates = candidates[:maxRateCandidatesPerDoc]
	}

	res := &subResult{CountsByKind: map[string]int{}}
	if len(candidates) == 0 {
		res.Status = model.ParseStatusPartial
		res.Warnings = append(res.Warnings, "rate: no candidate tables detected")
		return res
	}

	extractions := make([]*rateExtraction, len(candidates))
	errsByIdx := make([]error, len(candidates))
	aiCalls := make([]int, len(candidates))
	usages := make([]anthropic.TokenUsage, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rateCandidateConcurrency)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			ext, calls, usage, err := p.extractCandidate(gctx, c)
			extractions[i] = ext
			errsByIdx[i] = err
			aiCalls[i] = calls
			usages[i] = usage
			return nil
		})
	}
	_ = g.Wait() // per-candidate errors are collected, never aborts siblings

	rt := &model.RateTable{FilingID: doc.FilingID, DocumentID: doc.ID, IsCurrent: true}
	anyOK := false
	for i, ext := range extractions {
		res.AICalls += aiCalls[i]
		res.Usage.Add(usages[i])
		if errsByIdx[i] != nil {
			res.Errors = append(res.Errors, errsByIdx[i].Error())
			continue
		}
		if ext == nil {
			continue
		}
		anyOK = true
		if rt.SourcePage == 0 {
			rt.SourcePage = candidates[i].page
		}
		applyRateExtraction(ctx, p.store, doc.ID, rt, ext, candidates[i].page, res)
	}

	if !anyOK {
		res.Status = model.ParseStatusFailed
		return res
	}

	if rt.SourcePage == 0 {
		rt.SourcePage = 1
	}
	rt.Confidence = avgConfidence(rateTableConfidences(rt))
	if err := p.store.UpsertRateTable(ctx, rt); err != nil {
		res.Errors = append(res.Errors, "rate: store write failed: "+err.Error())
		res.Status = model.ParseStatusFailed
		return res
	}

	if len(errsByIdx) > 0 && hasAnyErr(errsByIdx) {
		res.Status = model.ParseStatusPartial
	} else {
		res.Status = model.ParseStatusCompleted
	}
	return res
}

// rateExtraction is the schema-instructed LLM response shape for one
// candidate table.
type rateExtraction struct {
	Classification string           `json:"classification"` // base_rate | rating_factor | territory | class_mapping
	Rows           []map[string]any `json:"rows"`
	Units          string           `json:"units"`
	EffectiveDate  string           `json:"effective_date"`
	Algorithm      string           `json:"algorithm,omitempty"`
	Confidence     float64          `json:"confidence"`
}

func (p *RateParser) extractCandidate(ctx context.Context, c rateCandidate) (*rateExtraction, int, anthropic.TokenUsage, error) {
	system := "You are an insurance rate filing analyst. Classify the table below as exactly one of " +
		"base_rate, rating_factor, territory, or class_mapping, then extract its rows as structured JSON. " +
		"Respond with a single JSON object: " +
		`{"classification":"...","rows":[{...}],"units":"...","effective_date":"YYYY-MM-DD","confidence":0.0}. ` +
		"Row keys: base_rate -> class_code, territory, rate; rating_factor -> variable, tier, factor; " +
		"territory -> code, description; class_mapping -> class_code, description, eligibility_status. " +
		"If the table also documents how components combine into a premium, include an \"algorithm\" string. " +
		"confidence is your calibrated confidence in the extraction, 0 to 1. Respond with JSON only."
	user := "Caption: " + c.caption + "\n\nTable:\n" + c.body

	text, usage, err := callLLM(ctx, p.llm, p.model, p.maxTokens, system, user)
	if err != nil {
		return nil, 0, anthropic.TokenUsage{}, err
	}
	var ext rateExtraction
	if err := json.Unmarshal([]byte(cleanJSON(text)), &ext); err != nil {
		return nil, 1, usage, llmBadOutput("rate candidate json decode", err)
	}
	return &ext, 1, usage, nil
}

func applyRateExtraction(ctx context.Context, st store.Store, documentID string, rt *model.RateTable, ext *rateExtraction, page int, res *subResult) {
	conf := ext.Confidence
	if conf == 0 {
		conf = 0.5
	}
	switch ext.Classification {
	case "base_rate":
		for i, row := range ext.Rows {
			br := model.BaseRate{
				ClassCode: toString(row["class_code"]),
				Territory: toString(row["territory"]),
				Rate:      toDecimal(row["rate"]),
				Unit:      ext.Units,
			}
			br.Confidence = fieldConfidence(conf, row, "class_code", "territory", "rate")
			rt.BaseRates = append(rt.BaseRates, br)
			res.Confidences = append(res.Confidences, br.Confidence)
			routeForReview(ctx, st, documentID, fmt.Sprintf("rate_table.base_rates[%d]", i), row, br.Confidence)
		}
		res.CountsByKind["base_rate"] += len(ext.Rows)
	case "rating_factor":
		for i, row := range ext.Rows {
			rf := model.RatingFactor{
				Variable: toString(row["variable"]),
				Tier:     toString(row["tier"]),
				Factor:   toDecimal(row["factor"]),
			}
			rf.Confidence = fieldConfidence(conf, row, "variable", "tier", "factor")
			rt.RatingFactors = append(rt.RatingFactors, rf)
			res.Confidences = append(res.Confidences, rf.Confidence)
			routeForReview(ctx, st, documentID, fmt.Sprintf("rate_table.rating_factors[%d]", i), row, rf.Confidence)
		}
		res.CountsByKind["rating_factor"] += len(ext.Rows)
	case "territory":
		for i, row := range ext.Rows {
			td := model.TerritoryDefinition{
				Code:        toString(row["code"]),
				Description: toString(row["description"]),
			}
			td.Confidence = fieldConfidence(conf, row, "code", "description")
			rt.Territories = append(rt.Territories, td)
			res.Confidences = append(res.Confidences, td.Confidence)
			routeForReview(ctx, st, documentID, fmt.Sprintf("rate_table.territories[%d]", i), row, td.Confidence)
		}
		res.CountsByKind["territory"] += len(ext.Rows)
	case "class_mapping":
		for i, row := range ext.Rows {
			cm := model.ClassCodeMapping{
				ClassCode:         toString(row["class_code"]),
				Description:       toString(row["description"]),
				EligibilityStatus: model.EligibilityStatus(toString(row["eligibility_status"])),
			}
			cm.Confidence = fieldConfidence(conf, row, "class_code", "eligibility_status")
			rt.ClassMappings = append(rt.ClassMappings, cm)
			res.Confidences = append(res.Confidences, cm.Confidence)
			routeForReview(ctx, st, documentID, fmt.Sprintf("rate_table.class_mappings[%d]", i), row, cm.Confidence)
		}
		res.CountsByKind["class_mapping"] += len(ext.Rows)
	default:
		res.Warnings = append(res.Warnings, "rate: unparseable classification on page "+strconv.Itoa(page))
	}

	if ext.Algorithm != "" && rt.Algorithm == nil {
		rt.Algorithm = &model.PremiumAlgorithm{Description: ext.Algorithm, Confidence: conf}
		res.Confidences = append(res.Confidences, conf)
		res.CountsByKind["algorithm"]++
		routeForReview(ctx, st, documentID, "rate_table.algorithm", ext.Algorithm, conf)
	}
	if ext.EffectiveDate != "" && rt.EffectiveDate == nil {
		if t, err := time.Parse("2006-01-02", ext.EffectiveDate); err == nil {
			rt.EffectiveDate = &t
		}
	}
}

// fieldConfidence halves the base confidence when an expected row key is
// missing from the LLM's response, rather than silently treating an absent
// field as if it had been confidently extracted — the same
// null-answer-with-halved-confidence convention the teacher's
// parseExtractionAnswer applies.
func fieldConfidence(base float64, row map[string]any, keys ...string) float64 {
	conf := base
	for _, k := range keys {
		if v, ok := row[k]; !ok || v == nil || v == "" {
			conf /= 2
		}
	}
	return conf
}

func detectRateCandidates(pages []textextract.Page) []rateCandidate {
	var out []rateCandidate
	for _, page := range pages {
		lines := strings.Split(page.Text, "\n")
		var caption string
		var run []string
		flush := func() {
			if len(run) >= 2 {
				out = append(out, rateCandidate{page: page.PageNumber, caption: caption, body: strings.Join(run, "\n")})
			}
			run = nil
		}
		for _, line := range lines {
			if tableRowPattern.MatchString(line) {
				run = append(run, line)
				continue
			}
			flush()
			if strings.TrimSpace(line) != "" {
				caption = line
			}
		}
		flush()
	}
	return out
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return strconv.FormatFloat(toFloat64(v), 'f', -1, 64)
}

func toFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

func toDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(strings.TrimPrefix(t, "$")))
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(t)
	default:
		return decimal.Zero
	}
}

func avgConfidence(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func rateTableConfidences(rt *model.RateTable) []float64 {
	var out []float64
	for _, br := range rt.BaseRates {
		out = append(out, br.Confidence)
	}
	for _, rf := range rt.RatingFactors {
		out = append(out, rf.Confidence)
	}
	for _, td := range rt.Territories {
		out = append(out, td.Confidence)
	}
	for _, cm := range rt.ClassMappings {
		out = append(out, cm.Confidence)
	}
	return out
}

func hasAnyErr(errs []error) bool {
	for _, e := range errs {
		if e != nil {
			return true
		}
	}
	return false
}
