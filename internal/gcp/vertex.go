package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/resumeanonymizer/internal/redact"
)

// --- Name Detector Model Prompts ---
const NameDetectorSystemPrompt = "You are a named entity recognizer for resumes. You find the names of people in OCR text. You must output your response as a valid JSON array of strings."
const NameDetectorUserPrompt = `The text below was read from one page of a resume by OCR. Lines are separated by newlines.

Follow these rules precisely:
1.  List every personal name of a human being that appears in the text: the candidate, referees, managers, or anyone else.
2.  Copy each name exactly as it is written in the text, including capitalisation and OCR mistakes.
3.  Do not include company names, school names, product names, job titles or places.
4.  If the same name appears several times, list it once.
5.  The output MUST be a single JSON array of strings, e.g. ["Jane Doe", "John Smith"]. Output [] if there are no names.

Text:
`

// VertexNameRecognizer detects PERSON entities by asking Gemini for the names
// on a page and locating them among the OCR words.
type VertexNameRecognizer struct {
	model      *genai.GenerativeModel
	baseClient *genai.Client
}

// NewVertexNameRecognizer creates a Gemini-backed person name recognizer.
func NewVertexNameRecognizer(ctx context.Context, projectID, region string) (*VertexNameRecognizer, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexNameRecognizer: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := baseClient.GenerativeModel("gemini-1.5-pro")
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(NameDetectorSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexNameRecognizer{model: model, baseClient: baseClient}, nil
}

func (v *VertexNameRecognizer) Entity() redact.Entity { return redact.Person }

// Recognize sends the page text to Gemini and maps the returned names back
// onto word boxes.
func (v *VertexNameRecognizer) Recognize(ctx context.Context, lines []redact.Line) ([]redact.Finding, error) {
	text := pageText(lines)
	if text == "" {
		return nil, nil
	}

	resp, err := v.model.GenerateContent(ctx, genai.Text(NameDetectorUserPrompt+text))
	if err != nil {
		return nil, fmt.Errorf("failed to detect names with gemini: %w", err)
	}
	names, err := parseNames(responseText(resp))
	if err != nil {
		return nil, err
	}
	return redact.MatchPhrases(redact.Person, names, lines), nil
}

func (v *VertexNameRecognizer) Close() error {
	if v.baseClient != nil {
		return v.baseClient.Close()
	}
	return nil
}

func pageText(lines []redact.Line) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, l.Text)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

// parseNames decodes the model's JSON array, tolerating code fences.
func parseNames(raw string) ([]string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var names []string
	if err := json.Unmarshal([]byte(s), &names); err != nil {
		return nil, fmt.Errorf("failed to parse gemini name list: %w", err)
	}
	out := names[:0]
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out, nil
}
