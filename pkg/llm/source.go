// Package llm provides the optional LLM-backed property source. The
// pipeline behaves identically when no source is configured: candidate
// lists are validated against the model's location registry and fall back
// to the deterministic templates on any failure.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/khryptorgraphics/rtverify/pkg/types"
	"github.com/khryptorgraphics/rtverify/pkg/uppaal"
)

// PropertySource produces a candidate property list for a task set. It may
// fail or return nothing; the caller falls back to templates either way.
type PropertySource interface {
	GenerateProperties(ctx context.Context, ts types.TaskSet) ([]types.Property, error)
}

// Synthesizer wraps an optional source with validation. Accepted candidate
// lists replace the template set; anything else falls back silently.
type Synthesizer struct {
	source PropertySource
	logger *slog.Logger
}

// NewSynthesizer returns a property synthesizer. A nil source means
// template-only operation.
func NewSynthesizer(source PropertySource, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{source: source, logger: logger}
}

// Synthesize returns the property list for a task set: the source's
// candidates when every formula parses in the surface dialect and every
// referenced location exists in the registry, the deterministic templates
// otherwise.
func (s *Synthesizer) Synthesize(ctx context.Context, ts types.TaskSet, registry *uppaal.Registry) []types.Property {
	templates := uppaal.TemplateProperties(ts)
	if s.source == nil {
		return templates
	}

	candidates, err := s.source.GenerateProperties(ctx, ts)
	if err != nil || len(candidates) == 0 {
		s.logger.Debug("property source unavailable, using templates", "error", err)
		return templates
	}

	for i := range candidates {
		candidates[i].Origin = types.OriginSynthesized
		if err := uppaal.ParseFormula(candidates[i].Formula); err != nil {
			s.logger.Debug("synthesized formula rejected", "formula", candidates[i].Formula, "error", err)
			return templates
		}
		if err := registry.ValidateFormula(candidates[i].Formula); err != nil {
			s.logger.Debug("synthesized formula references unknown location", "formula", candidates[i].Formula, "error", err)
			return templates
		}
	}
	return candidates
}

// OllamaSource generates properties through an Ollama-compatible
// /api/generate endpoint.
type OllamaSource struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllamaSource returns a source talking to the given Ollama base URL.
func NewOllamaSource(baseURL, model string, timeout time.Duration, logger *slog.Logger) *OllamaSource {
	return &OllamaSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type candidateProperty struct {
	Formula  string `json:"formula"`
	Category string `json:"category"`
	Comment  string `json:"comment"`
}

// GenerateProperties prompts the model for a JSON property list and
// extracts it from the response body.
func (o *OllamaSource) GenerateProperties(ctx context.Context, ts types.TaskSet) ([]types.Property, error) {
	body, err := json.Marshal(generateRequest{
		Model:  o.model,
		Prompt: buildPrompt(ts),
		Stream: false,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling property model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("property model returned status %d", resp.StatusCode)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("decoding property model response: %w", err)
	}
	return parseCandidates(gen.Response)
}

// parseCandidates pulls the JSON object out of the model's free-form
// answer, tolerating fenced code blocks.
func parseCandidates(output string) ([]types.Property, error) {
	cleaned := output
	if i := strings.Index(cleaned, "```"); i >= 0 {
		cleaned = cleaned[i+3:]
		cleaned = strings.TrimPrefix(cleaned, "json")
		if j := strings.Index(cleaned, "```"); j >= 0 {
			cleaned = cleaned[:j]
		}
	}
	start := strings.IndexByte(cleaned, '{')
	end := strings.LastIndexByte(cleaned, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in property model output")
	}

	var payload struct {
		Properties []candidateProperty `json:"properties"`
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("parsing property list: %w", err)
	}

	props := make([]types.Property, 0, len(payload.Properties))
	for _, c := range payload.Properties {
		props = append(props, types.Property{
			Formula:  strings.TrimSpace(c.Formula),
			Category: normalizeCategory(c.Category),
			Comment:  c.Comment,
			Origin:   types.OriginSynthesized,
		})
	}
	return props, nil
}

func normalizeCategory(c string) types.PropertyCategory {
	switch strings.ToUpper(strings.TrimSpace(c)) {
	case "SAFETY":
		return types.CategorySafety
	case "LIVENESS", "REACHABILITY":
		return types.CategoryLiveness
	case "TIMING", "DEADLINE":
		return types.CategoryTiming
	case "MUTEX", "MUTUAL_EXCLUSION":
		return types.CategoryMutex
	}
	return types.CategorySafety
}

func buildPrompt(ts types.TaskSet) string {
	var b strings.Builder
	b.WriteString("You are a formal verification expert for real-time systems.\n")
	b.WriteString("Generate temporal-logic properties for this fixed-priority periodic task set.\n")
	b.WriteString("Task templates expose locations Idle, Ready, Scheduled, Executing, Completing, Done.\n\n")
	for _, t := range ts.Canonical().Tasks {
		fmt.Fprintf(&b, "- %s: period %dms, deadline %dms, execution %dms, priority %d\n",
			t.Name, t.PeriodMS, t.DeadlineMS, t.ExecutionMS, t.Priority)
	}
	b.WriteString("\nAnswer with a JSON object: {\"properties\": [{\"formula\": ..., \"category\": ..., \"comment\": ...}]}\n")
	return b.String()
}
