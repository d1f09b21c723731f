package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
	"github.com/sells-group/hermes/internal/textextract"
	"github.com/sells-group/hermes/pkg/anthropic"
)

// maxRuleCandidatesPerDoc and ruleCandidateConcurrency bound cost the same
// way their rate-parser counterparts do.
const (
	maxRuleCandidatesPerDoc  = 60
	ruleCandidateConcurrency = 4
	minRuleParagraphLen      = 40
)

// RuleParser extracts underwriting rules and their typed eligibility
// criteria from a rule manual, per spec.md §4.5.
type RuleParser struct {
	store     store.Store
	llm       anthropic.Client
	model     string
	maxTokens int64
}

func newRuleParser(st store.Store, llm anthropic.Client, llmModel string, maxTokens int64) *RuleParser {
	return &RuleParser{store: st, llm: llm, model: llmModel, maxTokens: maxTokens}
}

func (p *RuleParser) kind() string { return "rule" }

type ruleCandidate struct {
	page int
	text string
}

// ruleExtraction is the schema-instructed LLM response shape for one
// paragraph — zero, one, or several rules may be found in it.
type ruleExtraction struct {
	Rules []ruleItem `json:"rules"`
}

type ruleItem struct {
	Type       string              `json:"type"`
	Category   string              `json:"category"`
	FullText   string              `json:"full_text"`
	Confidence float64             `json:"confidence"`
	Conditions []ruleConditionItem `json:"conditions"`
}

type ruleConditionItem struct {
	CriterionType string `json:"criterion_type"`
	Value         string `json:"value"`
	Operator      string `json:"operator"`
	Unit          string `json:"unit"`
	IsHardRule    bool   `json:"is_hard_rule"`
}

func (p *RuleParser) run(ctx context.Context, doc model.FilingDocument, pages []textextract.Page) *subResult {
	candidates := detectRuleCandidates(pages)
	if len(candidates) > maxRuleCandidatesPerDoc {
		candidates = candidates[:maxRuleCandidatesPerDoc]
	}

	res := &subResult{CountsByKind: map[string]int{}}
	if len(candidates) == 0 {
		res.Status = model.ParseStatusPartial
		res.Warnings = append(res.Warnings, "rule: no candidate rule paragraphs detected")
		return res
	}

	extractions := make([]*ruleExtraction, len(candidates))
	errsByIdx := make([]error, len(candidates))
	aiCalls := make([]int, len(candidates))
	usages := make([]anthropic.TokenUsage, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ruleCandidateConcurrency)
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
	_ = g.Wait()

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
		p.persistRules(ctx, doc, ext, candidates[i].page, res)
	}

	if !anyOK {
		res.Status = model.ParseStatusFailed
		return res
	}
	if hasAnyErr(errsByIdx) {
		res.Status = model.ParseStatusPartial
	} else {
		res.Status = model.ParseStatusCompleted
	}
	return res
}

func (p *RuleParser) extractCandidate(ctx context.Context, c ruleCandidate) (*ruleExtraction, int, anthropic.TokenUsage, error) {
	system := "You are an insurance underwriting manual analyst. Find every underwriting rule or " +
		"eligibility criterion in the passage below. Respond with a single JSON object: " +
		`{"rules":[{"type":"...","category":"...","full_text":"...","confidence":0.0,` +
		`"conditions":[{"criterion_type":"...","value":"...","operator":"eq|gt|ge|lt|le|in","unit":"...","is_hard_rule":true}]}]}. ` +
		"If the passage contains no rule, respond with {\"rules\":[]}. Respond with JSON only."
	user := c.text

	text, usage, err := callLLM(ctx, p.llm, p.model, p.maxTokens, system, user)
	if err != nil {
		return nil, 0, anthropic.TokenUsage{}, err
	}
	var ext ruleExtraction
	if err := json.Unmarshal([]byte(cleanJSON(text)), &ext); err != nil {
		return nil, 1, usage, llmBadOutput("rule candidate json decode", err)
	}
	return &ext, 1, usage, nil
}

func (p *RuleParser) persistRules(ctx context.Context, doc model.FilingDocument, ext *ruleExtraction, page int, res *subResult) {
	for ri, item := range ext.Rules {
		conf := item.Confidence
		if conf == 0 {
			conf = 0.5
		}
		if item.FullText == "" || item.Type == "" {
			conf /= 2
		}
		rule := &model.UnderwritingRule{
			FilingID:   doc.FilingID,
			DocumentID: doc.ID,
			Type:       item.Type,
			Category:   item.Category,
			FullText:   item.FullText,
			Confidence: conf,
			SourcePage: page,
			IsCurrent:  true,
		}
		for _, c := range item.Conditions {
			rule.Criteria = append(rule.Criteria, model.EligibilityCriterion{
				CriterionType: c.CriterionType,
				Value:         c.Value,
				Operator:      model.EligibilityOperator(c.Operator),
				Unit:          c.Unit,
				IsHardRule:    c.IsHardRule,
			})
		}
		if err := p.store.UpsertUnderwritingRule(ctx, rule); err != nil {
			res.Errors = append(res.Errors, "rule: store write failed: "+err.Error())
			continue
		}
		res.Confidences = append(res.Confidences, conf)
		res.CountsByKind["underwriting_rule"]++
		routeForReview(ctx, p.store, doc.ID, fmt.Sprintf("underwriting_rule[page=%d,idx=%d]", page, ri), item, conf)
	}
}

func detectRuleCandidates(pages []textextract.Page) []ruleCandidate {
	var out []ruleCandidate
	for _, page := range pages {
		for _, para := range strings.Split(page.Text, "\n\n") {
			trimmed := strings.TrimSpace(para)
			if len(trimmed) < minRuleParagraphLen {
				continue
			}
			out = append(out, ruleCandidate{page: page.PageNumber, text: trimmed})
		}
	}
	return out
}
