// Package parse turns one downloaded filing document into typed,
// confidence-scored artifacts (rate tables, underwriting rules, policy
// forms) using the text C4 extracts and the LLM client C1 wires in (C5).
package parse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/hermes/internal/config"
	"github.com/sells-group/hermes/internal/cost"
	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
	"github.com/sells-group/hermes/internal/textextract"
	"github.com/sells-group/hermes/pkg/anthropic"
)

// Result is the common outcome of one parser invocation, mirroring
// model.ParseLog minus the bookkeeping fields the orchestrator fills in
// (document ID, parser kind, timestamp).
type Result struct {
	Status        model.ParseStatus
	CountsByKind  map[string]int
	ConfidenceAvg float64
	ConfidenceMin float64
	AICalls       int
	AITokens      int64
	Usage         anthropic.TokenUsage
	Errors        []string
	Warnings      []string
	Duration      time.Duration
}

// tracker accumulates per-field confidence scores and exposes mean/min, the
// "confidence tracker" every parser shares per spec.md §4.5.
type tracker struct {
	scores []float64
}

func (t *tracker) add(score float64) { t.scores = append(t.scores, score) }

func (t *tracker) mean() float64 {
	if len(t.scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.scores {
		sum += s
	}
	return sum / float64(len(t.scores))
}

func (t *tracker) min() float64 {
	if len(t.scores) == 0 {
		return 0
	}
	m := t.scores[0]
	for _, s := range t.scores[1:] {
		if s < m {
			m = s
		}
	}
	return m
}

// subResult is what each typed parser (rate/rule/form) hands back to the
// orchestrator after persisting its own artifacts.
type subResult struct {
	Status       model.ParseStatus
	CountsByKind map[string]int
	Confidences  []float64
	AICalls      int
	Usage        anthropic.TokenUsage
	Errors       []string
	Warnings     []string
}

// routeForReview fire-and-forget enqueues a low-confidence field for human
// triage. It never fails the parse: a review-queue write error is logged
// and swallowed, per spec.md §4.5.
func routeForReview(ctx context.Context, st store.Store, documentID, fieldPath string, value any, confidence float64) {
	priority, enqueue := model.ReviewPriorityFor(confidence)
	if !enqueue {
		return
	}
	item := &model.ParseReviewItem{
		DocumentID: documentID,
		FieldPath:  fieldPath,
		Value:      value,
		Confidence: confidence,
		Priority:   priority,
	}
	if err := st.InsertReviewItem(ctx, item); err != nil {
		zap.L().Warn("parse: review queue write failed, continuing",
			zap.String("document_id", documentID), zap.String("field_path", fieldPath), zap.Error(err))
	}
}

// Orchestrator implements the task.ParseRunner contract: claim one document,
// classify it via C4, dispatch to the matching typed parser, and always
// write a ParseLog row even when the parse itself failed.
type Orchestrator struct {
	store store.Store
	costs *cost.Calculator
	model string
	rate  *RateParser
	rule  *RuleParser
	form  *FormParser
}

// NewOrchestrator wires the three typed parsers over a shared store and
// Anthropic client. rates prices each run's token usage into
// ParseLog.CostUSD; a zero value falls back to cost.DefaultRates.
func NewOrchestrator(st store.Store, llm anthropic.Client, cfg config.AnthropicConfig, rates cost.Rates) *Orchestrator {
	llmModel := cfg.Model
	maxTokens := int64(cfg.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if rates.Anthropic == nil {
		rates = cost.DefaultRates()
	}
	return &Orchestrator{
		store: st,
		costs: cost.NewCalculator(rates),
		model: llmModel,
		rate:  newRateParser(st, llm, llmModel, maxTokens),
		rule:  newRuleParser(st, llm, llmModel, maxTokens),
		form:  newFormParser(st, llm, llmModel, maxTokens),
	}
}

// Parse extracts text from doc's file, dispatches to the parser matching
// its classified document type, and writes the ParseLog + low-confidence
// review items before returning. It never returns a non-nil error for a
// parse-content failure — those are reported via status so the caller
// (C9's task surface) can decide whether the document stays claimable.
func (o *Orchestrator) Parse(ctx context.Context, doc model.FilingDocument) (status model.ParseStatus, confidence float64, err error) {
	start := time.Now()
	res := &Result{Status: model.ParseStatusFailed, CountsByKind: map[string]int{}}
	parserKind := "unknown"

	defer func() {
		if r := recover(); r != nil {
			res.Status = model.ParseStatusFailed
			res.Errors = append(res.Errors, fmt.Sprintf("panic: %v", r))
			zap.L().Error("parse: recovered panic", zap.String("document_id", doc.ID), zap.Any("panic", r))
		}
		res.Duration = time.Since(start)
		o.finish(ctx, doc.ID, parserKind, res)
		status = res.Status
		confidence = res.ConfidenceAvg
	}()

	extracted, extractErr := textextract.Extract(doc.Name, doc.LocalPath)
	if extractErr != nil {
		res.Errors = append(res.Errors, extractErr.Error())
		return
	}
	res.Warnings = append(res.Warnings, extracted.Warnings...)

	var sub *subResult
	switch extracted.DocType {
	case textextract.DocTypeRate:
		parserKind = "rate"
		sub = o.rate.run(ctx, doc, extracted.Pages)
	case textextract.DocTypeRule:
		parserKind = "rule"
		sub = o.rule.run(ctx, doc, extracted.Pages)
	case textextract.DocTypeForm:
		parserKind = "form"
		sub = o.form.run(ctx, doc, extracted.Pages)
	default:
		// No structured content to extract (cover letters, transmittal
		// forms). Not a failure — there's simply nothing for a typed
		// parser to do with this document.
		parserKind = "other"
		res.Status = model.ParseStatusCompleted
		res.ConfidenceAvg = 1
		res.ConfidenceMin = 1
		res.Warnings = append(res.Warnings, "no recognized document type, skipped structured extraction")
		return
	}

	res.Status = sub.Status
	res.CountsByKind = sub.CountsByKind
	res.AICalls = sub.AICalls
	res.Usage = sub.Usage
	res.AITokens = sub.Usage.InputTokens + sub.Usage.OutputTokens
	res.Errors = append(res.Errors, sub.Errors...)
	res.Warnings = append(res.Warnings, sub.Warnings...)
	t := &tracker{scores: sub.Confidences}
	res.ConfidenceAvg = t.mean()
	res.ConfidenceMin = t.min()
	return
}

// finish writes the ParseLog row (the "finally" path) and, for any failed
// result, parks a DLQ entry so the document can be replayed later rather
// than silently dropped. The error kind is not inspected, so failures of a
// terminal herrors kind are parked as well.
func (o *Orchestrator) finish(ctx context.Context, documentID, parserKind string, res *Result) {
	log := &model.ParseLog{
		DocumentID:    documentID,
		ParserKind:    parserKind,
		Status:        res.Status,
		CountsByKind:  res.CountsByKind,
		ConfidenceAvg: res.ConfidenceAvg,
		ConfidenceMin: res.ConfidenceMin,
		AICalls:       res.AICalls,
		AITokens:      res.AITokens,
		CostUSD: o.costs.Claude(o.model, false, int(res.Usage.InputTokens), int(res.Usage.OutputTokens),
			int(res.Usage.CacheCreationInputTokens), int(res.Usage.CacheReadInputTokens)),
		Errors:        res.Errors,
		Warnings:      res.Warnings,
		DurationMs:    res.Duration.Milliseconds(),
	}
	if err := o.store.InsertParseLog(ctx, log); err != nil {
		zap.L().Error("parse: failed to write parse log", zap.String("document_id", documentID), zap.Error(err))
	}

	if res.Status != model.ParseStatusFailed {
		return
	}
	if err := o.store.EnqueueDLQ(ctx, model.DLQEntry{
		Kind:        model.DLQKindDocumentParse,
		ReferenceID: documentID,
		Error:       fmt.Sprintf("%v", res.Errors),
		MaxRetries:  5,
		NextRetryAt: time.Now().Add(15 * time.Minute),
	}); err != nil {
		zap.L().Warn("parse: failed to enqueue DLQ entry", zap.String("document_id", documentID), zap.Error(err))
	}
}
