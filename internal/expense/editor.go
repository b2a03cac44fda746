package expense

import (
	"context"
	"fmt"
	"log/slog"
)

// ExpenseEdit is a proposed partial update to an expense's editable fields.
// Only fields explicitly present (non-nil) participate in the diff. Amount
// is given in dollars, matching the API surface.
type ExpenseEdit struct {
	VendorName       *string  `json:"vendor_name"`
	Amount           *float64 `json:"amount" validate:"omitempty,gte=0"`
	Currency         *string  `json:"currency" validate:"omitempty,iso4217"`
	ExpenseDate      *string  `json:"expense_date" validate:"omitempty,datetime=2006-01-02"`
	Description      *string  `json:"description"`
	CategoryID       *string  `json:"category_id"`
	DepartmentCodeID *string  `json:"department_code_id"`
}

// EditExpense applies a proposed partial update to the expense derived from
// a receipt. Only fields whose new value differs from the stored value are
// written; a non-empty diff flips is_edited permanently and appends exactly
// one audit entry, committed atomically with the field update. The returned
// bool tells the caller whether any change was actually applied.
func (s *Service) EditExpense(ctx context.Context, actor *User, receiptID string, edit ExpenseEdit) (*Expense, bool, error) {
	receipt, err := s.db.GetReceipt(receiptID)
	if err != nil {
		return nil, false, fmt.Errorf("getting receipt: %w", err)
	}
	// Authorization comes before any diff computation.
	if receipt.UserID != actor.ID && !actor.Role.Elevated() {
		return nil, false, ErrForbidden
	}

	exp, err := s.db.GetExpenseByReceipt(receiptID)
	if err != nil {
		return nil, false, fmt.Errorf("getting expense: %w", err)
	}

	changes := FieldChanges{
		Before: map[string]any{},
		After:  map[string]any{},
	}
	updated := *exp

	if edit.VendorName != nil && *edit.VendorName != exp.VendorName {
		changes.Before["vendor_name"] = exp.VendorName
		changes.After["vendor_name"] = *edit.VendorName
		updated.VendorName = *edit.VendorName
	}
	if edit.Amount != nil {
		if *edit.Amount < 0 {
			return nil, false, fmt.Errorf("%w: amount must be >= 0", ErrValidation)
		}
		cents := DollarsToCents(*edit.Amount)
		if cents != exp.AmountCents {
			changes.Before["amount_cents"] = exp.AmountCents
			changes.After["amount_cents"] = cents
			updated.AmountCents = cents
		}
	}
	if edit.Currency != nil && *edit.Currency != exp.Currency {
		changes.Before["currency"] = exp.Currency
		changes.After["currency"] = *edit.Currency
		updated.Currency = *edit.Currency
	}
	if edit.ExpenseDate != nil && *edit.ExpenseDate != exp.ExpenseDate {
		changes.Before["expense_date"] = exp.ExpenseDate
		changes.After["expense_date"] = *edit.ExpenseDate
		updated.ExpenseDate = *edit.ExpenseDate
	}
	if edit.Description != nil && *edit.Description != exp.Description {
		changes.Before["description"] = exp.Description
		changes.After["description"] = *edit.Description
		updated.Description = *edit.Description
	}
	if edit.CategoryID != nil && *edit.CategoryID != exp.CategoryID {
		changes.Before["category_id"] = exp.CategoryID
		changes.After["category_id"] = *edit.CategoryID
		updated.CategoryID = *edit.CategoryID
	}
	if edit.DepartmentCodeID != nil && *edit.DepartmentCodeID != exp.DepartmentCodeID {
		changes.Before["department_code_id"] = exp.DepartmentCodeID
		changes.After["department_code_id"] = *edit.DepartmentCodeID
		updated.DepartmentCodeID = *edit.DepartmentCodeID
	}

	if len(changes.After) == 0 {
		// No write at all; "no changes detected" is a distinct outcome.
		return exp, false, nil
	}

	now := s.timeSource.Now()
	updated.IsEdited = true // monotonic: never reverts to false
	updated.UpdatedAt = now

	// Re-pricing an expense on a report-linked receipt moves the report
	// total; both rows commit together.
	var report *ExpenseReport
	if _, repriced := changes.After["amount_cents"]; repriced && receipt.ExpenseReportID != "" {
		report, err = s.db.GetReport(receipt.ExpenseReportID)
		if err != nil {
			return nil, false, fmt.Errorf("getting report: %w", err)
		}
		total, err := s.reportTotal(report.ID, receiptID, updated.AmountCents)
		if err != nil {
			return nil, false, err
		}
		report.TotalAmountCents = total
		report.UpdatedAt = now
	}

	entry := &AuditLogEntry{
		ID:         s.idGenerator.Generate(),
		EntityType: "expense",
		EntityID:   exp.ID,
		Action:     "edited",
		UserID:     actor.ID,
		Changes:    changes,
		Timestamp:  now,
	}

	if err := s.db.UpdateExpenseWithAudit(&updated, report, entry); err != nil {
		return nil, false, fmt.Errorf("updating expense: %w", err)
	}

	slog.Info("Expense edited",
		"expense_id", exp.ID,
		"receipt_id", receiptID,
		"actor", actor.ID,
		"fields", len(changes.After),
	)

	return &updated, true, nil
}

// DeleteReceipt removes a receipt, its expense row and its stored blob.
// Deletion is permitted only while the receipt is a draft with no report
// linkage; anything else is a Conflict.
func (s *Service) DeleteReceipt(ctx context.Context, actor *User, receiptID string) error {
	receipt, err := s.db.GetReceipt(receiptID)
	if err != nil {
		return fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.UserID != actor.ID && !actor.Role.Elevated() {
		return ErrForbidden
	}
	if receipt.ExpenseReportID != "" {
		return fmt.Errorf("%w: receipt is part of an expense report", ErrConflict)
	}
	if receipt.Status != StatusDraft {
		return fmt.Errorf("%w: cannot delete a %s receipt", ErrConflict, receipt.Status)
	}

	// Row first, blob second: a row pointing at a missing blob is the
	// failure mode to avoid, an orphaned blob is merely untidy.
	if err := s.db.DeleteReceipt(receiptID); err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}

	if err := s.storage.Delete(receipt.ImagePath); err != nil {
		slog.Warn("Failed to delete stored blob", "path", receipt.ImagePath, "error", err)
	}
	return nil
}
