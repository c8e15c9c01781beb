// Package analysis answers analyze and ask jobs by sending a report to a language model.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
)

// Reports resolves report ids.
type Reports interface {
	GetReport(ctx context.Context, reportID string) (models.Report, error)
}

// Completer sends one prompt to a model and returns the text reply and the model that answered.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (text, model string, err error)
}

type Analyzer struct {
	reports Reports
	llm     Completer
}

func New(reports Reports, llm Completer) *Analyzer {
	return &Analyzer{reports: reports, llm: llm}
}

const analyzeSystem = `You are a performance engineer reviewing load-test results.
Reply with a single JSON object with the string fields "executive_summary", "anomaly_detection" and "optimization_recommendations".`

const askSystem = `You are a performance engineer answering questions about load-test results.
Reply with a single JSON object with a string field "answer" and a number field "confidence" between 0 and 1.`

// Analyze handles analyze jobs.
func (a *Analyzer) Analyze(ctx context.Context, job models.Job) (models.Result, error) {
	p := job.Params.Analyze
	if p == nil {
		return models.Result{}, apperr.Newf(apperr.KindInternal, "analysis: analyze", "job %s has no analyze params", job.ID)
	}
	summary, err := a.summary(ctx, p.ReportID)
	if err != nil {
		return models.Result{}, err
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Analysis type: %s\n", valueOr(p.AnalysisType, "comprehensive"))
	if !p.IncludeRecommendations {
		prompt.WriteString("Leave optimization_recommendations empty.\n")
	}
	prompt.WriteString("Report:\n")
	prompt.Write(summary)

	text, model, err := a.llm.Complete(ctx, analyzeSystem, prompt.String())
	if err != nil {
		return models.Result{}, classify("analysis: analyze", err)
	}

	res := &models.AnalysisResult{ReportID: p.ReportID, Model: model}
	if doc, ok := jsonObject(text); ok {
		res.ExecutiveSummary = doc.Get("executive_summary").String()
		res.AnomalyDetection = doc.Get("anomaly_detection").String()
		if p.IncludeRecommendations {
			res.OptimizationRecommendations = doc.Get("optimization_recommendations").String()
		}
	} else {
		res.ExecutiveSummary = strings.TrimSpace(text)
	}
	return models.Result{Analysis: res}, nil
}

// Ask handles ask jobs.
func (a *Analyzer) Ask(ctx context.Context, job models.Job) (models.Result, error) {
	p := job.Params.Ask
	if p == nil {
		return models.Result{}, apperr.Newf(apperr.KindInternal, "analysis: ask", "job %s has no ask params", job.ID)
	}
	if strings.TrimSpace(p.Question) == "" {
		return models.Result{}, apperr.New(apperr.KindValidation, "analysis: ask", "question is empty")
	}
	summary, err := a.summary(ctx, p.ReportID)
	if err != nil {
		return models.Result{}, err
	}

	prompt := fmt.Sprintf("Context: %s\nReport:\n%s\n\nQuestion: %s", valueOr(p.ContextType, "general"), summary, p.Question)
	text, _, err := a.llm.Complete(ctx, askSystem, prompt)
	if err != nil {
		return models.Result{}, classify("analysis: ask", err)
	}

	res := &models.AnswerResult{ReportID: p.ReportID, Question: p.Question}
	if doc, ok := jsonObject(text); ok {
		res.Answer = doc.Get("answer").String()
		if c := doc.Get("confidence"); c.Type == gjson.Number {
			v := c.Float()
			res.ConfidenceScore = &v
		}
	} else {
		res.Answer = strings.TrimSpace(text)
	}
	return models.Result{Answer: res}, nil
}

func (a *Analyzer) summary(ctx context.Context, reportID string) ([]byte, error) {
	r, err := a.reports.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(r.Summary, "", "  ")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "analysis: encode report", err)
	}
	return b, nil
}

// jsonObject extracts the outermost JSON object of a reply, tolerating surrounding prose or a
// fenced code block.
func jsonObject(text string) (gjson.Result, bool) {
	start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return gjson.Result{}, false
	}
	raw := text[start : end+1]
	if !gjson.Valid(raw) {
		return gjson.Result{}, false
	}
	return gjson.Parse(raw), true
}

func classify(op string, err error) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindTimeout, op, err)
	}
	zap.L().Warn("model call failed", zap.String("op", op), zap.Error(err))
	return apperr.Wrap(apperr.KindInternal, op, err)
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
