package extraction

import "context"

// LineItem is a single purchased item on a receipt.
type LineItem struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// ExtractedData is the structured record produced from a receipt. It is
// preserved verbatim on the Expense row for audit and debugging.
type ExtractedData struct {
	Vendor     string     `json:"vendor"`
	Date       string     `json:"date"` // ISO 8601 (YYYY-MM-DD)
	Total      float64    `json:"total"`
	Currency   string     `json:"currency"`
	LineItems  []LineItem `json:"line_items"`
	Confidence float64    `json:"confidence"`
	RawText    string     `json:"raw_text,omitempty"` // diagnostic on extraction failure
}

// Request carries the receipt content to a provider: either a raster image
// or plain text already extracted from a text-bearing document.
type Request struct {
	ImageData []byte // PNG/JPEG/WEBP bytes, nil when Text is set
	MIMEType  string
	Text      string
}

// Provider calls a vision/text-capable model and returns its raw text
// response. The response is expected to contain one JSON object, possibly
// wrapped in markdown code fences.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Close releases provider resources.
	Close() error
}
