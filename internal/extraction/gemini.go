package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Provider interface using Google Gemini.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Provider instance.
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// Low temperature for reproducible structured output.
	model.SetTemperature(0.1)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// Generate sends the receipt content to Gemini and returns the raw response.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var parts []genai.Part
	if req.Text != "" {
		parts = []genai.Part{
			genai.Text("Receipt text:\n\n" + req.Text),
			genai.Text(receiptPrompt),
		}
	} else {
		// genai.ImageData expects the format suffix ("png"), not a MIME type.
		format := strings.TrimPrefix(req.MIMEType, "image/")
		if format == "" || format == req.MIMEType {
			format = "png"
		}
		parts = []genai.Part{
			genai.ImageData(format, req.ImageData),
			genai.Text(receiptPrompt),
		}
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	return responseText.String(), nil
}

// Close closes the Gemini client.
func (g *Gemini) Close() error {
	return g.client.Close()
}
