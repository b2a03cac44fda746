package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/expensetrack/expensetrack/internal/extraction"
	"github.com/expensetrack/expensetrack/internal/normalize"
)

// Extractor produces a structured record from receipt content. It never
// fails: extraction problems resolve to a low-confidence sentinel record.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) *extraction.ExtractedData
}

// IDGenerator generates unique identifiers for rows.
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time.
type TimeSource interface {
	Now() time.Time
}

// Sleeper waits between read retries.
type Sleeper interface {
	Sleep(d time.Duration)
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

type defaultSleeper struct{}

func (s *defaultSleeper) Sleep(d time.Duration) {
	time.Sleep(d)
}

// RetryPolicy bounds the read-after-write retry on the receipt read path.
// The underlying store may not make a freshly committed expense row visible
// synchronously; readers tolerate transient absence up to Attempts reads
// spaced Delay apart, then surface ErrStillProcessing.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy matches the observed production accommodation.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Second}

// Service orchestrates the ingestion pipeline: upload -> normalize -> store
// -> extract -> persist. Each request runs independently; there is no shared
// mutable state between concurrent receipts.
type Service struct {
	db         DB
	storage    Storage
	normalizer *normalize.Normalizer
	extractor  Extractor
	retry      RetryPolicy

	idGenerator IDGenerator
	timeSource  TimeSource
	sleeper     Sleeper
}

// NewService creates a Service with default ID generation, clock and sleeper.
func NewService(db DB, storage Storage, normalizer *normalize.Normalizer, extractor Extractor, retry RetryPolicy) *Service {
	s := &Service{
		db:          db,
		storage:     storage,
		normalizer:  normalizer,
		extractor:   extractor,
		retry:       retry,
		idGenerator: &defaultIDGenerator{},
		timeSource:  &defaultTimeSource{},
		sleeper:     &defaultSleeper{},
	}
	if s.retry.Attempts <= 0 {
		s.retry = DefaultRetryPolicy
	}
	return s
}

// WithDeps overrides the injectable collaborators for testing.
func (s *Service) WithDeps(idGen IDGenerator, timeSrc TimeSource, sleeper Sleeper) *Service {
	s.idGenerator = idGen
	s.timeSource = timeSrc
	s.sleeper = sleeper
	return s
}

// UploadResult is what the upload endpoint returns to the caller.
type UploadResult struct {
	Receipt   *Receipt
	ImagePath string
	ImageURL  string
}

// Upload validates, normalizes and stores an uploaded receipt file, then
// creates the Receipt row in draft state. A row-commit failure rolls back
// the stored blob so no orphaned blob survives.
func (s *Service) Upload(ctx context.Context, actor *User, filename string, data []byte, contentType string, source UploadSource, reportID string) (*UploadResult, error) {
	switch source {
	case SourceCamera, SourceGallery, SourceFile:
	case "":
		source = SourceFile
	default:
		return nil, fmt.Errorf("%w: invalid upload source %q", ErrValidation, source)
	}

	if reportID != "" {
		report, err := s.db.GetReport(reportID)
		if err != nil {
			return nil, fmt.Errorf("getting report: %w", err)
		}
		if report.UserID != actor.ID {
			return nil, ErrForbidden
		}
		if report.Status != StatusDraft {
			return nil, fmt.Errorf("%w: cannot add receipts to a %s report", ErrConflict, report.Status)
		}
	}

	artifact, err := s.normalizer.Normalize(data, contentType)
	if err != nil {
		var verr *normalize.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%w: %s", ErrValidation, verr.Reason)
		}
		return nil, fmt.Errorf("normalizing upload: %w", err)
	}

	receiptID := s.idGenerator.Generate()
	now := s.timeSource.Now()
	path := fmt.Sprintf("%s/%s_original.%s", actor.ID, receiptID, artifact.Ext)

	if err := s.storage.Put(path, artifact.Data, artifact.ContentType); err != nil {
		return nil, fmt.Errorf("storing artifact: %w", err)
	}

	receipt := &Receipt{
		ID:              receiptID,
		UserID:          actor.ID,
		ImagePath:       path,
		Status:          StatusDraft,
		UploadSource:    source,
		ExpenseReportID: reportID,
		UploadedAt:      now,
		UpdatedAt:       now,
	}

	if err := s.db.SaveReceipt(receipt); err != nil {
		// Roll back the blob: an orphaned blob with no row is the failure
		// signature to avoid.
		if delErr := s.storage.Delete(path); delErr != nil {
			slog.Warn("Failed to roll back stored blob", "path", path, "error", delErr)
		}
		return nil, fmt.Errorf("saving receipt: %w", err)
	}

	imageURL, err := s.storage.SignedURL(path, time.Hour)
	if err != nil {
		slog.Warn("Failed to issue signed URL", "path", path, "error", err)
	}

	slog.Info("Receipt uploaded",
		"receipt_id", receiptID,
		"user_id", actor.ID,
		"path", path,
		"size", len(data),
		"source", source,
	)

	return &UploadResult{Receipt: receipt, ImagePath: path, ImageURL: imageURL}, nil
}

// Extract runs field extraction against a stored receipt artifact and
// persists the resulting Expense row. Extraction never hard-fails: model and
// parse errors yield a low-confidence sentinel record the user corrects by
// hand. Calling Extract again for a receipt that already has an expense
// returns the existing row untouched.
func (s *Service) Extract(ctx context.Context, actor *User, receiptID string) (*extraction.ExtractedData, *Expense, error) {
	receipt, err := s.db.GetReceipt(receiptID)
	if err != nil {
		return nil, nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.UserID != actor.ID && !actor.Role.Elevated() {
		return nil, nil, ErrForbidden
	}

	existing, err := s.db.GetExpenseByReceipt(receiptID)
	if err == nil {
		return existing.ExtractedData, existing, nil
	}
	// A transient read failure must not look like "no expense yet": a
	// re-extraction here would clobber an edited row.
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, fmt.Errorf("getting expense: %w", err)
	}

	data, err := s.storage.Get(receipt.ImagePath)
	if err != nil {
		return nil, nil, fmt.Errorf("getting stored artifact: %w", err)
	}

	extracted := s.extractor.Extract(ctx, s.extractionRequest(data, receipt.ImagePath))

	now := s.timeSource.Now()
	exp := &Expense{
		ID:            s.idGenerator.Generate(),
		ReceiptID:     receiptID,
		VendorName:    extracted.Vendor,
		AmountCents:   DollarsToCents(extracted.Total),
		Currency:      extracted.Currency,
		ExpenseDate:   extracted.Date,
		IsEdited:      false,
		ExtractedData: extracted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if receipt.ExpenseReportID != "" {
		// The receipt was linked while its expense was still pending; the
		// report total has to absorb the new amount in the same commit.
		report, err := s.db.GetReport(receipt.ExpenseReportID)
		if err != nil {
			return nil, nil, fmt.Errorf("getting report: %w", err)
		}
		total, err := s.reportTotal(report.ID, receiptID, exp.AmountCents)
		if err != nil {
			return nil, nil, err
		}
		report.TotalAmountCents = total
		report.UpdatedAt = now
		if err := s.db.SaveExpenseAndReport(exp, report); err != nil {
			return nil, nil, fmt.Errorf("saving expense: %w", err)
		}
	} else if err := s.db.SaveExpense(exp); err != nil {
		return nil, nil, fmt.Errorf("saving expense: %w", err)
	}

	slog.Info("Expense extracted",
		"receipt_id", receiptID,
		"vendor", extracted.Vendor,
		"amount_cents", exp.AmountCents,
		"confidence", extracted.Confidence,
	)

	return extracted, exp, nil
}

// extractionRequest re-normalizes the stored artifact (a pure transform) to
// decide between the image and text paths for the model call.
func (s *Service) extractionRequest(data []byte, path string) extraction.Request {
	artifact, err := s.normalizer.Normalize(data, contentTypeForPath(path))
	if err != nil {
		// Unreadable stored artifact; let the engine produce a sentinel.
		slog.Error("Failed to normalize stored artifact", "path", path, "error", err)
		return extraction.Request{}
	}
	if artifact.Kind == normalize.KindText {
		return extraction.Request{Text: artifact.Text}
	}
	return extraction.Request{ImageData: artifact.Data, MIMEType: artifact.ContentType}
}

// GetReceipt returns a receipt and its expense. A freshly committed expense
// row may not be visible yet, so a missing row is retried under the bounded
// policy before ErrStillProcessing is surfaced with the receipt.
func (s *Service) GetReceipt(ctx context.Context, actor *User, id string) (*Receipt, *Expense, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.UserID != actor.ID && !actor.Role.Elevated() {
		return nil, nil, ErrForbidden
	}

	for attempt := 1; ; attempt++ {
		exp, err := s.db.GetExpenseByReceipt(id)
		if err == nil {
			return receipt, exp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf("getting expense: %w", err)
		}
		if attempt >= s.retry.Attempts {
			return receipt, nil, ErrStillProcessing
		}
		slog.Info("Expense not visible yet, retrying", "receipt_id", id, "attempt", attempt)
		s.sleeper.Sleep(s.retry.Delay)
	}
}

// ListReceipts returns the actor's receipts with any derived expenses.
func (s *Service) ListReceipts(ctx context.Context, actor *User) ([]*ReceiptWithExpense, error) {
	receipts, err := s.db.ListReceiptsByUser(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	out := make([]*ReceiptWithExpense, 0, len(receipts))
	for _, receipt := range receipts {
		item := &ReceiptWithExpense{Receipt: receipt}
		if exp, err := s.db.GetExpenseByReceipt(receipt.ID); err == nil {
			item.Expense = exp
		}
		if url, err := s.storage.SignedURL(receipt.ImagePath, time.Hour); err == nil {
			item.ImageURL = url
		}
		out = append(out, item)
	}
	return out, nil
}

// ReceiptWithExpense joins a receipt with its derived expense and a signed
// read URL for list and detail views.
type ReceiptWithExpense struct {
	Receipt  *Receipt `json:"receipt"`
	Expense  *Expense `json:"expense,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// DollarsToCents converts a dollar amount to integer cents.
func DollarsToCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

// CentsToDollars converts integer cents to a dollar amount.
func CentsToDollars(cents int64) float64 {
	return float64(cents) / 100
}

// contentTypeForPath derives a media type from a stored artifact path.
func contentTypeForPath(path string) string {
	switch {
	case hasExt(path, ".png"):
		return "image/png"
	case hasExt(path, ".jpg"), hasExt(path, ".jpeg"):
		return "image/jpeg"
	case hasExt(path, ".webp"):
		return "image/webp"
	case hasExt(path, ".pdf"):
		return "application/pdf"
	default:
		return ""
	}
}

func hasExt(path, ext string) bool {
	return len(path) >= len(ext) && path[len(path)-len(ext):] == ext
}
