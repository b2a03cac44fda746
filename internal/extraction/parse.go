package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnknownVendor is the vendor name used when extraction cannot identify one.
const UnknownVendor = "Unknown Vendor"

// supportedCurrencies is the bounded set of currency codes the application
// handles. Anything else is normalized to USD.
var supportedCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"CAD": true,
	"AUD": true,
	"JPY": true,
	"CHF": true,
}

// Sentinel returns the safe default record used when extraction fails. It is
// clearly low-confidence so the user knows to correct it by hand.
func Sentinel(reason string) *ExtractedData {
	return &ExtractedData{
		Vendor:     UnknownVendor,
		Date:       time.Now().Format("2006-01-02"),
		Total:      0,
		Currency:   "USD",
		LineItems:  []LineItem{},
		Confidence: 0,
		RawText:    reason,
	}
}

// stripFences removes markdown code fence markers that models sometimes wrap
// around JSON despite instructions not to.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// parseExtractedJSON parses and validates a model response. It returns an
// error when the response contains no parseable JSON object or the parsed
// payload fails schema validation; the caller resolves errors to Sentinel.
func parseExtractedJSON(text string) (*ExtractedData, error) {
	text = stripFences(text)

	// Locate the JSON object boundaries: first { to last }.
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var data ExtractedData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	if data.Total < 0 {
		return nil, fmt.Errorf("negative total %.2f in response", data.Total)
	}

	normalizeExtracted(&data)
	return &data, nil
}

// normalizeExtracted coerces a schema-valid payload into canonical form.
func normalizeExtracted(data *ExtractedData) {
	data.Vendor = strings.TrimSpace(data.Vendor)
	if data.Vendor == "" {
		data.Vendor = UnknownVendor
	}

	data.Date = normalizeDate(data.Date)

	data.Currency = strings.ToUpper(strings.TrimSpace(data.Currency))
	if !supportedCurrencies[data.Currency] {
		data.Currency = "USD"
	}

	if data.Confidence < 0 {
		data.Confidence = 0
	}
	if data.Confidence > 1 {
		data.Confidence = 1
	}

	if data.LineItems == nil {
		data.LineItems = []LineItem{}
	}
}

// normalizeDate parses common receipt date formats into YYYY-MM-DD, falling
// back to today when the model produced something unparseable.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().Format("2006-01-02")
	}

	formats := []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"02-01-2006",
		"January 2, 2006",
		"Jan 2, 2006",
	}
	for _, format := range formats {
		if d, err := time.Parse(format, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return time.Now().Format("2006-01-02")
}
