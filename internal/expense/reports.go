package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ReportWithReceipts is the detail view of a report: its receipts, their
// derived expenses and signed image URLs.
type ReportWithReceipts struct {
	Report   *ExpenseReport        `json:"report"`
	Receipts []*ReceiptWithExpense `json:"receipts"`
}

// ReportSummary is the list view of a report.
type ReportSummary struct {
	Report       *ExpenseReport `json:"report"`
	ReceiptCount int            `json:"receipt_count"`
}

// CreateReport creates a draft expense report for the actor.
func (s *Service) CreateReport(ctx context.Context, actor *User, title string) (*ExpenseReport, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}

	now := s.timeSource.Now()
	report := &ExpenseReport{
		ID:               s.idGenerator.Generate(),
		UserID:           actor.ID,
		Title:            title,
		Status:           StatusDraft,
		TotalAmountCents: 0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	entry := &AuditLogEntry{
		ID:         s.idGenerator.Generate(),
		EntityType: "expense_report",
		EntityID:   report.ID,
		Action:     "created",
		UserID:     actor.ID,
		Changes: FieldChanges{
			Before: map[string]any{},
			After:  map[string]any{"title": report.Title, "status": report.Status},
		},
		Timestamp: now,
	}

	if err := s.db.SaveReportWithAudit(report, entry); err != nil {
		return nil, fmt.Errorf("saving report: %w", err)
	}
	return report, nil
}

// GetReport returns a report with its receipts and expenses.
func (s *Service) GetReport(ctx context.Context, actor *User, id string) (*ReportWithReceipts, error) {
	report, err := s.db.GetReport(id)
	if err != nil {
		return nil, fmt.Errorf("getting report: %w", err)
	}
	if report.UserID != actor.ID && !actor.Role.Elevated() {
		return nil, ErrForbidden
	}

	receipts, err := s.db.ListReceiptsByReport(id)
	if err != nil {
		return nil, fmt.Errorf("listing report receipts: %w", err)
	}

	out := &ReportWithReceipts{Report: report, Receipts: make([]*ReceiptWithExpense, 0, len(receipts))}
	for _, receipt := range receipts {
		item := &ReceiptWithExpense{Receipt: receipt}
		if exp, err := s.db.GetExpenseByReceipt(receipt.ID); err == nil {
			item.Expense = exp
		}
		if url, err := s.storage.SignedURL(receipt.ImagePath, time.Hour); err == nil {
			item.ImageURL = url
		}
		out.Receipts = append(out.Receipts, item)
	}
	return out, nil
}

// ListReports returns the actor's reports, optionally filtered by status.
func (s *Service) ListReports(ctx context.Context, actor *User, status Status) ([]*ReportSummary, error) {
	reports, err := s.db.ListReportsByUser(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	out := make([]*ReportSummary, 0, len(reports))
	for _, report := range reports {
		if status != "" && report.Status != status {
			continue
		}
		receipts, err := s.db.ListReceiptsByReport(report.ID)
		if err != nil {
			return nil, fmt.Errorf("counting report receipts: %w", err)
		}
		out = append(out, &ReportSummary{Report: report, ReceiptCount: len(receipts)})
	}
	return out, nil
}

// UpdateReportTitle renames a draft report.
func (s *Service) UpdateReportTitle(ctx context.Context, actor *User, id, title string) (*ExpenseReport, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}

	report, err := s.db.GetReport(id)
	if err != nil {
		return nil, fmt.Errorf("getting report: %w", err)
	}
	if report.UserID != actor.ID {
		return nil, ErrForbidden
	}
	if report.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot edit a %s report", ErrConflict, report.Status)
	}
	if report.Title == title {
		return report, nil
	}

	now := s.timeSource.Now()
	before := report.Title
	report.Title = title
	report.UpdatedAt = now

	entry := &AuditLogEntry{
		ID:         s.idGenerator.Generate(),
		EntityType: "expense_report",
		EntityID:   report.ID,
		Action:     "updated",
		UserID:     actor.ID,
		Changes: FieldChanges{
			Before: map[string]any{"title": before},
			After:  map[string]any{"title": title},
		},
		Timestamp: now,
	}

	if err := s.db.SaveReportWithAudit(report, entry); err != nil {
		return nil, fmt.Errorf("saving report: %w", err)
	}
	return report, nil
}

// DeleteReport removes a draft report together with its receipts, their
// expenses and their stored blobs.
func (s *Service) DeleteReport(ctx context.Context, actor *User, id string) error {
	report, err := s.db.GetReport(id)
	if err != nil {
		return fmt.Errorf("getting report: %w", err)
	}
	if report.UserID != actor.ID {
		return ErrForbidden
	}
	if report.Status != StatusDraft {
		return fmt.Errorf("%w: cannot delete a %s report", ErrConflict, report.Status)
	}

	receipts, err := s.db.ListReceiptsByReport(id)
	if err != nil {
		return fmt.Errorf("listing report receipts: %w", err)
	}

	entry := &AuditLogEntry{
		ID:         s.idGenerator.Generate(),
		EntityType: "expense_report",
		EntityID:   id,
		Action:     "deleted",
		UserID:     actor.ID,
		Changes:    FieldChanges{Before: map[string]any{}, After: map[string]any{}},
		Timestamp:  s.timeSource.Now(),
	}

	if err := s.db.DeleteReportWithAudit(id, entry); err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}

	// Blobs go last so a failed row delete never leaves rows pointing at
	// missing blobs.
	for _, receipt := range receipts {
		if err := s.storage.Delete(receipt.ImagePath); err != nil {
			slog.Warn("Failed to delete stored blob", "path", receipt.ImagePath, "error", err)
		}
	}
	return nil
}

// SubmitReport transitions a draft report (and its draft receipts) to
// submitted. A report needs at least one receipt to be submitted.
func (s *Service) SubmitReport(ctx context.Context, actor *User, id string) (*ExpenseReport, error) {
	report, err := s.db.GetReport(id)
	if err != nil {
		return nil, fmt.Errorf("getting report: %w", err)
	}
	if report.UserID != actor.ID {
		return nil, ErrForbidden
	}
	if report.Status != StatusDraft {
		return nil, fmt.Errorf("%w: report has already been submitted", ErrConflict)
	}

	receipts, err := s.db.ListReceiptsByReport(id)
	if err != nil {
		return nil, fmt.Errorf("listing report receipts: %w", err)
	}
	if len(receipts) == 0 {
		return nil, fmt.Errorf("%w: cannot submit a report without receipts", ErrValidation)
	}

	now := s.timeSource.Now()
	report.Status = StatusSubmitted
	report.SubmittedAt = &now
	report.UpdatedAt = now
	for _, receipt := range receipts {
		if receipt.Status == StatusDraft {
			receipt.Status = StatusSubmitted
			receipt.UpdatedAt = now
		}
	}

	entry := &AuditLogEntry{
		ID:         s.idGenerator.Generate(),
		EntityType: "expense_report",
		EntityID:   report.ID,
		Action:     "submitted",
		UserID:     actor.ID,
		Changes: FieldChanges{
			Before: map[string]any{"status": StatusDraft},
			After:  map[string]any{"status": StatusSubmitted},
		},
		Timestamp: now,
	}

	if err := s.db.SubmitReportWithAudit(report, receipts, entry); err != nil {
		return nil, fmt.Errorf("submitting report: %w", err)
	}

	slog.Info("Expense report submitted", "report_id", report.ID, "receipts", len(receipts), "total_cents", report.TotalAmountCents)
	return report, nil
}

// AddReceiptToReport links a draft receipt to a draft report and recomputes
// the report total.
func (s *Service) AddReceiptToReport(ctx context.Context, actor *User, reportID, receiptID string) (*ExpenseReport, error) {
	return s.changeMembership(ctx, actor, reportID, receiptID, true)
}

// RemoveReceiptFromReport unlinks a receipt from a draft report and
// recomputes the report total.
func (s *Service) RemoveReceiptFromReport(ctx context.Context, actor *User, reportID, receiptID string) (*ExpenseReport, error) {
	return s.changeMembership(ctx, actor, reportID, receiptID, false)
}

func (s *Service) changeMembership(ctx context.Context, actor *User, reportID, receiptID string, add bool) (*ExpenseReport, error) {
	report, err := s.db.GetReport(reportID)
	if err != nil {
		return nil, fmt.Errorf("getting report: %w", err)
	}
	if report.UserID != actor.ID {
		return nil, ErrForbidden
	}
	if report.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot modify a %s report", ErrConflict, report.Status)
	}

	receipt, err := s.db.GetReceipt(receiptID)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.UserID != actor.ID {
		return nil, ErrForbidden
	}

	action := "receipt_added"
	if add {
		if receipt.ExpenseReportID == reportID {
			return report, nil
		}
		if receipt.ExpenseReportID != "" {
			return nil, fmt.Errorf("%w: receipt already belongs to another report", ErrConflict)
		}
		receipt.ExpenseReportID = reportID
	} else {
		action = "receipt_removed"
		if receipt.ExpenseReportID != reportID {
			return nil, fmt.Errorf("%w: receipt is not part of this report", ErrConflict)
		}
		receipt.ExpenseReportID = ""
	}

	now := s.timeSource.Now()
	receipt.UpdatedAt = now

	beforeTotal := report.TotalAmountCents
	total, err := s.membershipTotal(reportID, receipt, add)
	if err != nil {
		return nil, err
	}
	report.TotalAmountCents = total
	report.UpdatedAt = now

	entry := &AuditLogEntry{
		ID:         s.idGenerator.Generate(),
		EntityType: "expense_report",
		EntityID:   report.ID,
		Action:     action,
		UserID:     actor.ID,
		Changes: FieldChanges{
			Before: map[string]any{"total_amount_cents": beforeTotal},
			After:  map[string]any{"total_amount_cents": total},
		},
		Timestamp: now,
	}

	if err := s.db.SaveReceiptAndReportWithAudit(receipt, report, entry); err != nil {
		return nil, fmt.Errorf("saving membership change: %w", err)
	}
	return report, nil
}

// membershipTotal sums the expenses of the report's receipts with the
// pending membership change applied.
func (s *Service) membershipTotal(reportID string, changed *Receipt, add bool) (int64, error) {
	// The changed receipt's linkage is not persisted yet: neutralize its
	// current contribution, then add its expense back when joining.
	total, err := s.reportTotal(reportID, changed.ID, 0)
	if err != nil {
		return 0, err
	}
	if add {
		exp, err := s.db.GetExpenseByReceipt(changed.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return total, nil // extraction still pending for this receipt
			}
			return 0, fmt.Errorf("getting expense: %w", err)
		}
		total += exp.AmountCents
	}
	return total, nil
}

// reportTotal sums the expenses of the report's stored members, using
// amountCents in place of the given receipt's stored expense. Receipts whose
// extraction is still pending count as zero.
func (s *Service) reportTotal(reportID, receiptID string, amountCents int64) (int64, error) {
	receipts, err := s.db.ListReceiptsByReport(reportID)
	if err != nil {
		return 0, fmt.Errorf("listing report receipts: %w", err)
	}

	var total int64
	for _, r := range receipts {
		if r.ID == receiptID {
			total += amountCents
			continue
		}
		exp, err := s.db.GetExpenseByReceipt(r.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("getting expense: %w", err)
		}
		total += exp.AmountCents
	}
	return total, nil
}
