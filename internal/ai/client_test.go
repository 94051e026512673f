package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validResponse = `{
	"summary": "Your ALT is slightly elevated.",
	"whatItMeasures": "ALT is a liver enzyme.",
	"whatYourResultMeans": "Elevated levels can sometimes suggest liver stress.",
	"nextSteps": ["Schedule a follow-up with your doctor."],
	"suggestedQuestions": ["What could be influencing this result?", "When should I retest?", "Any lifestyle factors to discuss?"]
}`

func TestParseResponseRoundTrip(t *testing.T) {
	explanation, outcome := ParseResponse(validResponse)
	require.Equal(t, Parsed, outcome)

	assert.Equal(t, "Your ALT is slightly elevated.", explanation.Summary)
	assert.Equal(t, "ALT is a liver enzyme.", explanation.WhatItMeasures)
	assert.Equal(t, "Elevated levels can sometimes suggest liver stress.", explanation.WhatYourResultMeans)
	assert.Len(t, explanation.NextSteps, 1)
	assert.Len(t, explanation.SuggestedQuestions, 3)
	assert.Equal(t, ImportantNote, explanation.ImportantNote)
}

func TestParseResponseExtractsEmbeddedJSON(t *testing.T) {
	text := "Sure! Here is the explanation you asked for:\n```json\n" + validResponse + "\n```\nLet me know if you need anything else."

	explanation, outcome := ParseResponse(text)
	require.Equal(t, Parsed, outcome)
	assert.Equal(t, "Your ALT is slightly elevated.", explanation.Summary)
}

func TestParseResponseNonJSON(t *testing.T) {
	for _, text := range []string{
		"I'm sorry, I can't help with that.",
		"",
		"} backwards {",
		"{ not valid json",
	} {
		_, outcome := ParseResponse(text)
		assert.Equal(t, Unparseable, outcome, "input %q", text)
	}
}

func TestParseResponseMissingFields(t *testing.T) {
	_, outcome := ParseResponse(`{"summary": "only a summary"}`)
	assert.Equal(t, Unparseable, outcome)

	_, outcome = ParseResponse(`{"summary": "s", "whatItMeasures": "m", "whatYourResultMeans": "r", "nextSteps": [], "suggestedQuestions": ["q"]}`)
	assert.Equal(t, Unparseable, outcome)
}

func TestFallbackExplanationIsDeterministic(t *testing.T) {
	first := FallbackExplanation()
	second := FallbackExplanation()
	assert.Equal(t, first, second)

	assert.NotEmpty(t, first.Summary)
	assert.NotEmpty(t, first.WhatItMeasures)
	assert.NotEmpty(t, first.WhatYourResultMeans)
	assert.GreaterOrEqual(t, len(first.NextSteps), 2)
	assert.GreaterOrEqual(t, len(first.SuggestedQuestions), 3)
	assert.Equal(t, ImportantNote, first.ImportantNote)
}

func TestExtractJSONSpan(t *testing.T) {
	span, ok := extractJSON(`prefix {"a": {"b": 1}} suffix`)
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": 1}}`, span)
}
