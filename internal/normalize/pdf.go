package normalize

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// pdfToPNG renders the first page of a PDF to a PNG image. Receipts and
// invoices are assumed single-page; later pages are ignored.
func pdfToPNG(pdfData []byte, scale float64) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// go-fitz renders at 72 DPI per unit scale.
	img, err := doc.ImageDPI(0, scale*72)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// pdfTextLayer extracts the text layer of the first page. Scanned PDFs
// return an empty (or nearly empty) string.
func pdfTextLayer(pdfData []byte) (string, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	text, err := doc.Text(0)
	if err != nil {
		return "", fmt.Errorf("extracting PDF text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
