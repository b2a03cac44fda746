package normalize

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/heic"
)

// PDFPolicy selects how uploaded PDFs are handled.
type PDFPolicy string

const (
	// PDFRasterize renders the first page to a PNG.
	PDFRasterize PDFPolicy = "rasterize"
	// PDFReject refuses PDFs and asks the user to re-upload as an image.
	PDFReject PDFPolicy = "reject"
	// PDFText extracts the text layer when one exists, falling back to
	// rasterization for scanned documents.
	PDFText PDFPolicy = "text"
)

// DefaultMaxBytes is the upload size cap.
const DefaultMaxBytes = 10 << 20 // 10 MiB

// minTextChars is the smallest text layer worth sending to the model
// directly. Anything shorter is treated as a scanned document.
const minTextChars = 32

// ArtifactKind says what an Artifact carries.
type ArtifactKind string

const (
	// KindImage is a raster image artifact.
	KindImage ArtifactKind = "image"
	// KindText is a plain-text artifact extracted from a document.
	KindText ArtifactKind = "text"
)

// Artifact is the canonical output of normalization: either a raster image
// ready for a vision model, or a text-bearing document whose extracted text
// can skip rasterization. Data always holds the bytes to store.
type Artifact struct {
	Kind        ArtifactKind
	Data        []byte
	Text        string // extracted text when Kind == KindText
	ContentType string
	Ext         string // file extension without the dot
}

// ValidationError is a user-correctable rejection: bad media type, bad size.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Normalizer converts uploaded files into a canonical form the extraction
// model can consume. It is a pure transform: no side effects, no retries.
type Normalizer struct {
	maxBytes  int64
	pdfPolicy PDFPolicy
	pdfScale  float64
}

// NewNormalizer creates a Normalizer with the given size cap and PDF policy.
// A maxBytes of 0 means DefaultMaxBytes. The PDF scale is fixed at 2x native
// resolution, a balance between extraction legibility and payload size.
func NewNormalizer(maxBytes int64, policy PDFPolicy) *Normalizer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Normalizer{
		maxBytes:  maxBytes,
		pdfPolicy: policy,
		pdfScale:  2.0,
	}
}

// allowedTypes maps accepted media types to their canonical file extension.
var allowedTypes = map[string]string{
	"image/jpeg":      "jpg",
	"image/jpg":       "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"image/heic":      "heic",
	"image/heif":      "heif",
	"application/pdf": "pdf",
}

// Normalize validates the upload and converts it into an Artifact.
func (n *Normalizer) Normalize(data []byte, contentType string) (*Artifact, error) {
	if len(data) == 0 {
		return nil, &ValidationError{Reason: "empty file"}
	}
	if int64(len(data)) > n.maxBytes {
		return nil, &ValidationError{Reason: fmt.Sprintf("file too large: maximum size is %d bytes", n.maxBytes)}
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" || mimeType == "application/octet-stream" {
		// Fall back to sniffing when the client didn't say (or lied).
		mimeType = mimetype.Detect(data).String()
	}
	// Strip any media type parameters ("image/jpeg; charset=...").
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}

	ext, ok := allowedTypes[mimeType]
	if !ok {
		return nil, &ValidationError{Reason: "unsupported file type: only JPEG, PNG, WEBP, GIF, HEIC and PDF are accepted"}
	}

	if mimeType == "application/pdf" {
		return n.normalizePDF(data)
	}

	// HEIC needs a dedicated decoder; the content type alone is not reliable
	// because phones sometimes upload HEIC bytes with a JPEG header.
	if isHEICData(data) || mimeType == "image/heic" || mimeType == "image/heif" {
		pngData, err := heicToPNG(data)
		if err != nil {
			return nil, fmt.Errorf("converting HEIC to PNG: %w", err)
		}
		return &Artifact{Kind: KindImage, Data: pngData, ContentType: "image/png", Ext: "png"}, nil
	}

	if mimeType == "image/gif" {
		pngData, err := imageToPNG(data)
		if err != nil {
			return nil, fmt.Errorf("converting image to PNG: %w", err)
		}
		return &Artifact{Kind: KindImage, Data: pngData, ContentType: "image/png", Ext: "png"}, nil
	}

	// JPEG, PNG and WEBP pass through unchanged.
	return &Artifact{Kind: KindImage, Data: data, ContentType: mimeType, Ext: ext}, nil
}

// normalizePDF applies the configured PDF policy.
func (n *Normalizer) normalizePDF(data []byte) (*Artifact, error) {
	switch n.pdfPolicy {
	case PDFReject:
		return nil, &ValidationError{Reason: "PDF uploads are not accepted: please re-upload the receipt as a JPEG or PNG image"}
	case PDFText:
		text, err := pdfTextLayer(data)
		if err == nil && len(strings.TrimSpace(text)) >= minTextChars {
			return &Artifact{Kind: KindText, Data: data, Text: text, ContentType: "application/pdf", Ext: "pdf"}, nil
		}
		// No usable text layer, likely a scanned document.
		fallthrough
	default: // PDFRasterize
		pngData, err := pdfToPNG(data, n.pdfScale)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF: %w", err)
		}
		return &Artifact{Kind: KindImage, Data: pngData, ContentType: "image/png", Ext: "png"}, nil
	}
}

// heicToPNG decodes a HEIC/HEIF image and re-encodes it as PNG.
func heicToPNG(data []byte) ([]byte, error) {
	img, err := heic.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
	}
	return encodePNG(img)
}

// imageToPNG decodes any registered image format and re-encodes it as PNG.
func imageToPNG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICData checks the ftyp box brands that identify HEIC/HEIF containers.
func isHEICData(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}
