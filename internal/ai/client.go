package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/resultrx/backend/internal/models"
)

// ImportantNote is the fixed disclaimer attached to every explanation,
// parsed or fallback.
const ImportantNote = "This AI-powered explanation is for informational purposes only and should not be used as a substitute for professional medical advice, diagnosis, or treatment. Always seek the advice of your physician or other qualified health provider with any questions you may have regarding a medical condition."

const systemPrompt = "You are an expert clinical assistant named ResultRx. You explain medical lab results to patients in a way that is clear, reassuring, and empowering, without providing medical advice or a diagnosis."

// ErrNoChoices is returned when the completion API answers with an empty
// choice list.
var ErrNoChoices = errors.New("no response choices from completion API")

type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewClient(apiKey string) *Client {
	return &Client{
		client:  openai.NewClient(apiKey),
		model:   openai.GPT4oMini,
		timeout: 30 * time.Second,
	}
}

func (c *Client) WithModel(model string) *Client {
	c.model = model
	return c
}

func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// Explain asks the completion service for a plain-language explanation of
// one lab result. A transport failure is returned as an error; a response
// that cannot be parsed is absorbed into the fixed fallback, so a non-nil
// explanation with a nil error is always renderable.
func (c *Client) Explain(ctx context.Context, lab models.LabResult) (*models.Explanation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(lab),
			},
		},
		MaxTokens:   1500,
		Temperature: 0.4,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	explanation, outcome := ParseResponse(resp.Choices[0].Message.Content)
	if outcome == Unparseable {
		fallback := FallbackExplanation()
		return &fallback, nil
	}
	return &explanation, nil
}

func buildPrompt(lab models.LabResult) string {
	return fmt.Sprintf(
		`A patient has provided the following lab result:
- Test: %s
- Their Value: %s %s
- Normal Range: %s

Explain this result as a single JSON object with this exact structure:
{
  "summary": "A gentle, reassuring summary of the result and its relation to the normal range.",
  "whatItMeasures": "What this test measures in simple, everyday terms and why a doctor might order it.",
  "whatYourResultMeans": "What this specific value means in the context of the normal range, in general and non-alarming terms.",
  "nextSteps": ["2-3 safe, non-prescriptive next steps, such as scheduling a follow-up to discuss this result."],
  "suggestedQuestions": ["3-4 thoughtful, open-ended questions the patient could ask their doctor."]
}

Rules:
- DO NOT provide medical advice or a diagnosis.
- Use plain language and avoid medical jargon.
- Keep the tone supportive and reassuring.
- Keep each explanation under 100 words.
- Respond with the JSON object only.`,
		lab.TestName, lab.Value, lab.Units, lab.NormalRange,
	)
}

// ParseOutcome tags the result of parsing a completion response.
type ParseOutcome int

const (
	Parsed ParseOutcome = iota
	Unparseable
)

// ParseResponse locates the first balanced-looking JSON span in the
// response text (first '{' to last '}') and decodes it. Any shortfall,
// including missing required fields, is Unparseable.
func ParseResponse(text string) (models.Explanation, ParseOutcome) {
	span, ok := extractJSON(text)
	if !ok {
		return models.Explanation{}, Unparseable
	}

	var explanation models.Explanation
	if err := json.Unmarshal([]byte(span), &explanation); err != nil {
		return models.Explanation{}, Unparseable
	}

	if explanation.Summary == "" || explanation.WhatItMeasures == "" ||
		explanation.WhatYourResultMeans == "" ||
		len(explanation.NextSteps) == 0 || len(explanation.SuggestedQuestions) == 0 {
		return models.Explanation{}, Unparseable
	}

	explanation.ImportantNote = ImportantNote
	return explanation, Parsed
}

func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// FallbackExplanation is the fixed structure returned when the model's
// output cannot be parsed. It must stay deterministic: the UI renders it
// as-is instead of surfacing an error for a soft failure.
func FallbackExplanation() models.Explanation {
	return models.Explanation{
		Summary:             "Unable to parse AI response. Please consult with your healthcare provider.",
		WhatItMeasures:      "This test measures various health indicators.",
		WhatYourResultMeans: "Please discuss your results with your doctor.",
		NextSteps: []string{
			"Schedule a follow-up with your doctor to discuss this result.",
			"Continue to monitor this as part of your regular check-ups.",
		},
		SuggestedQuestions: []string{
			"What do these results mean for my health?",
			"Are there any lifestyle changes I should consider?",
			"When should I have this test again?",
		},
		ImportantNote: ImportantNote,
	}
}
