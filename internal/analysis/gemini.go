package analysis

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"claimcare/internal/config"
)

// GeminiClient is the production ModelClient backed by the Gemini API.
// Generation is pinned to the most deterministic sampling the API allows;
// this is an extraction task and reproducibility matters for audit trust.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient builds the Gemini-backed model client from app config.
func NewGeminiClient(ctx context.Context, cfg config.GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model}, nil
}

// Generate sends the prompt plus inline attachments and returns the raw
// JSON response constrained by the audit response schema.
func (g *GeminiClient) Generate(ctx context.Context, prompt string, attachments []Attachment) ([]byte, error) {
	parts := make([]*genai.Part, 0, 1+len(attachments))
	parts = append(parts, genai.NewPartFromText(prompt))
	for _, att := range attachments {
		parts = append(parts, genai.NewPartFromBytes(att.Data, att.MIME))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		TopP:             genai.Ptr[float32](0.1),
		ResponseMIMEType: "application/json",
		ResponseSchema:   auditResponseSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return nil, errors.New("empty model response")
	}
	return []byte(text), nil
}

// auditResponseSchema constrains the model to the audit output shape.
var auditResponseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"analysisMarkdown": {
			Type:        genai.TypeString,
			Description: "A markdown table with columns for 'Line Item', 'Potential Issue', and 'Estimated Savings'.",
		},
		"discrepancyDetails": {
			Type:        genai.TypeObject,
			Description: "Details of any point-of-sale discrepancy found.",
			Properties: map[string]*genai.Schema{
				"patientName":    {Type: genai.TypeString},
				"expectedAmount": {Type: genai.TypeString},
				"billedAmount":   {Type: genai.TypeString},
				"planReference":  {Type: genai.TypeString},
			},
		},
		"logicTrace": {
			Type:        genai.TypeArray,
			Items:       &genai.Schema{Type: genai.TypeString},
			Description: "One detailed justification per flagged issue.",
		},
		"totalBilledAmount":   {Type: genai.TypeString},
		"totalExpectedAmount": {Type: genai.TypeString},
		"patientName":         {Type: genai.TypeString},
	},
	Required: []string{"analysisMarkdown"},
}
