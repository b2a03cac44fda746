package extraction

import (
	"context"
	"fmt"
	"log/slog"
)

// ScannedDocumentNote is the diagnostic carried by the sentinel when a
// document had no extractable text layer and could not be rasterized.
const ScannedDocumentNote = "document appears to be scanned with no extractable text - please re-upload as an image"

// Engine turns receipt content into a structured record. It never returns an
// error: transport failures, unparseable responses and schema violations all
// resolve to the sentinel record, so downstream persistence always succeeds
// with a low-confidence row the user is expected to correct. Retrying the
// model call is the orchestrator's concern, not the engine's.
type Engine struct {
	provider Provider
}

// NewEngine creates an Engine backed by the given provider.
func NewEngine(provider Provider) *Engine {
	return &Engine{provider: provider}
}

// Extract runs the model against the request and returns a validated record.
func (e *Engine) Extract(ctx context.Context, req Request) *ExtractedData {
	if len(req.ImageData) == 0 && req.Text == "" {
		return Sentinel(ScannedDocumentNote)
	}

	text, err := e.provider.Generate(ctx, req)
	if err != nil {
		slog.Error("Extraction model call failed", "error", err)
		return Sentinel(fmt.Sprintf("extraction failed: %v", err))
	}

	data, err := parseExtractedJSON(text)
	if err != nil {
		slog.Error("Failed to parse extraction response", "error", err)
		return Sentinel(fmt.Sprintf("parsing extraction response: %v", err))
	}

	return data
}

// Close releases the underlying provider.
func (e *Engine) Close() error {
	return e.provider.Close()
}
