package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// DefaultModel is used when a rule does not name its own model.
const DefaultModel = "gemini-1.5-pro"

// Vertex invokes generative models for rule verdicts and structured
// field extraction. Models are configured per call because each rule
// carries its own system prompt and may name its own model.
type Vertex struct {
	baseClient *genai.Client
}

// NewVertex creates a Vertex client for the given project and region.
func NewVertex(ctx context.Context, projectID, region string) (*Vertex, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertex: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &Vertex{baseClient: baseClient}, nil
}

// Generate runs one completion and returns the concatenated text parts
// of the first candidate. When jsonOutput is set the model is forced to
// emit JSON at temperature 0 for deterministic, structured output.
func (v *Vertex) Generate(ctx context.Context, model, system, prompt string, jsonOutput bool) (string, error) {
	name := model
	if name == "" {
		name = DefaultModel
	}

	m := v.baseClient.GenerativeModel(name)
	if system != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}
	if jsonOutput {
		m.GenerationConfig = genai.GenerationConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](0.0),
		}
	}
	m.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content from %s: %w", name, err)
	}
	return extractText(resp), nil
}

// Close releases the underlying client.
func (v *Vertex) Close() error {
	if v.baseClient != nil {
		return v.baseClient.Close()
	}
	return nil
}

// extractText robustly concatenates the text parts of the first
// candidate, stripping any code fences the model added around them.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}

	content := strings.TrimSpace(sb.String())
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}
