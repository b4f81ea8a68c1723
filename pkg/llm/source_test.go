package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/rtverify/pkg/types"
	"github.com/khryptorgraphics/rtverify/pkg/uppaal"
)

type fakeSource struct {
	props []types.Property
	err   error
}

func (f *fakeSource) GenerateProperties(ctx context.Context, ts types.TaskSet) ([]types.Property, error) {
	return f.props, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func singleTask() types.TaskSet {
	return types.TaskSet{Tasks: []types.Task{
		{Name: "Ctl", PeriodMS: 100, DeadlineMS: 100, ExecutionMS: 10, Priority: 1},
	}}
}

func TestNilSourceUsesTemplates(t *testing.T) {
	ts := singleTask()
	registry := uppaal.NewRegistry([]string{"Ctl"})

	props := NewSynthesizer(nil, testLogger()).Synthesize(context.Background(), ts, registry)

	assert.Equal(t, uppaal.TemplateProperties(ts), props)
}

func TestSourceErrorFallsBack(t *testing.T) {
	ts := singleTask()
	registry := uppaal.NewRegistry([]string{"Ctl"})
	source := &fakeSource{err: errors.New("model offline")}

	props := NewSynthesizer(source, testLogger()).Synthesize(context.Background(), ts, registry)

	assert.Equal(t, uppaal.TemplateProperties(ts), props)
}

func TestValidCandidatesReplaceTemplates(t *testing.T) {
	ts := singleTask()
	registry := uppaal.NewRegistry([]string{"Ctl"})
	source := &fakeSource{props: []types.Property{
		{Formula: "A[] (Ctl.Executing imply x <= 90)", Category: types.CategoryTiming, Comment: "tightened deadline"},
	}}

	props := NewSynthesizer(source, testLogger()).Synthesize(context.Background(), ts, registry)

	require.Len(t, props, 1)
	assert.Equal(t, "A[] (Ctl.Executing imply x <= 90)", props[0].Formula)
	assert.Equal(t, types.OriginSynthesized, props[0].Origin)
}

func TestUnknownLocationFallsBack(t *testing.T) {
	ts := singleTask()
	registry := uppaal.NewRegistry([]string{"Ctl"})
	source := &fakeSource{props: []types.Property{
		{Formula: "A[] (Ctl.Executing imply x <= 90)"},
		{Formula: "E<> Ghost.Done"},
	}}

	props := NewSynthesizer(source, testLogger()).Synthesize(context.Background(), ts, registry)

	assert.Equal(t, uppaal.TemplateProperties(ts), props)
}

func TestUnparseableFormulaFallsBack(t *testing.T) {
	ts := singleTask()
	registry := uppaal.NewRegistry([]string{"Ctl"})
	source := &fakeSource{props: []types.Property{
		{Formula: "G (eventually Ctl.Done"},
	}}

	props := NewSynthesizer(source, testLogger()).Synthesize(context.Background(), ts, registry)

	assert.Equal(t, uppaal.TemplateProperties(ts), props)
}

func TestParseCandidatesPlainJSON(t *testing.T) {
	out := `{"properties": [{"formula": "A[] not deadlock", "category": "SAFETY", "comment": "no deadlock"}]}`

	props, err := parseCandidates(out)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "A[] not deadlock", props[0].Formula)
	assert.Equal(t, types.CategorySafety, props[0].Category)
}

func TestParseCandidatesFencedJSON(t *testing.T) {
	out := "Here are the properties:\n```json\n" +
		`{"properties": [{"formula": "E<> T.Done", "category": "REACHABILITY", "comment": "completes"}]}` +
		"\n```\nLet me know if you need more."

	props, err := parseCandidates(out)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "E<> T.Done", props[0].Formula)
	assert.Equal(t, types.CategoryLiveness, props[0].Category)
}

func TestParseCandidatesRejectsNonJSON(t *testing.T) {
	_, err := parseCandidates("I could not produce any properties, sorry.")
	assert.Error(t, err)
}

func TestCategoryNormalization(t *testing.T) {
	cases := map[string]types.PropertyCategory{
		"SAFETY":           types.CategorySafety,
		"liveness":         types.CategoryLiveness,
		"DEADLINE":         types.CategoryTiming,
		"MUTUAL_EXCLUSION": types.CategoryMutex,
		"something-else":   types.CategorySafety,
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeCategory(in), "category %q", in)
	}
}
