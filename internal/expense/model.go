package expense

import (
	"time"

	"github.com/expensetrack/expensetrack/internal/extraction"
)

// Status is the lifecycle state shared by receipts and expense reports:
// draft -> submitted -> approved | rejected.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// Role controls what an actor may see and edit.
type Role string

const (
	RoleUser       Role = "user"
	RoleAccounting Role = "accounting"
	RoleAdmin      Role = "admin"
)

// Elevated reports whether the role may act on other users' records.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleAccounting
}

// User is an authenticated account in the local directory. The stored row
// carries the bcrypt hash; users are never written to API responses.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Category is an expense category lookup row.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Department is a department code lookup row.
type Department struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// UploadSource tags where an upload came from.
type UploadSource string

const (
	SourceCamera  UploadSource = "camera"
	SourceGallery UploadSource = "gallery"
	SourceFile    UploadSource = "file"
)

// Receipt is an uploaded proof-of-purchase artifact plus its processing
// status. It is owned exclusively by its uploader until assigned to a report.
type Receipt struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	ImagePath       string       `json:"image_path"` // blob path: {userID}/{receiptID}_original.{ext}
	Status          Status       `json:"status"`
	UploadSource    UploadSource `json:"upload_source"`
	ExpenseReportID string       `json:"expense_report_id,omitempty"`
	UploadedAt      time.Time    `json:"uploaded_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Expense is the structured financial record derived from one Receipt (1:1).
// AmountCents keeps money exact; the extraction payload carries dollars and
// is converted at the persistence boundary. ExtractedData is preserved
// verbatim for audit and debugging.
type Expense struct {
	ID               string                    `json:"id"`
	ReceiptID        string                    `json:"receipt_id"`
	VendorName       string                    `json:"vendor_name"`
	AmountCents      int64                     `json:"amount_cents"`
	Currency         string                    `json:"currency"`
	ExpenseDate      string                    `json:"expense_date"` // YYYY-MM-DD
	Description      string                    `json:"description"`
	CategoryID       string                    `json:"category_id,omitempty"`
	DepartmentCodeID string                    `json:"department_code_id,omitempty"`
	IsEdited         bool                      `json:"is_edited"`
	ExtractedData    *extraction.ExtractedData `json:"extracted_data,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// ExpenseReport groups receipts for one user. TotalAmountCents always equals
// the sum of the linked expenses' amounts; it is recomputed after every
// membership mutation. Title and membership are mutable only while draft.
type ExpenseReport struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Title            string     `json:"title"`
	Status           Status     `json:"status"`
	TotalAmountCents int64      `json:"total_amount_cents"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FieldChanges holds the changed-fields-only view of a mutation, keyed by
// field name. Both maps contain exactly the same keys.
type FieldChanges struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
}

// AuditLogEntry is an immutable, append-only record of a committed mutation.
// Entries are never updated or deleted.
type AuditLogEntry struct {
	ID         string       `json:"id"`
	EntityType string       `json:"entity_type"` // "expense" | "expense_report"
	EntityID   string       `json:"entity_id"`
	Action     string       `json:"action"` // "created" | "edited" | "updated" | "submitted" | "deleted"
	UserID     string       `json:"user_id"`
	Changes    FieldChanges `json:"changes"`
	Timestamp  time.Time    `json:"timestamp"`
}
