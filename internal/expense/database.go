package expense

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	usersBucket       = "users"
	departmentsBucket = "departments"
	categoriesBucket  = "categories"
	reportsBucket     = "expense_reports"
	receiptsBucket    = "receipts"
	expensesBucket    = "expenses"
	auditLogBucket    = "audit_log"
)

// DB defines the interface for database operations. Methods taking an
// AuditLogEntry commit the domain write and the audit append in a single
// transaction; a persisted change without its audit entry (or vice versa)
// must never be observable.
type DB interface {
	// SaveUser saves a user to the directory
	SaveUser(user *User) error

	// GetUserByUsername retrieves a user by username
	GetUserByUsername(username string) (*User, error)

	// SaveCategory saves a category lookup row
	SaveCategory(category *Category) error

	// ListCategories returns all categories
	ListCategories() ([]*Category, error)

	// SaveDepartment saves a department lookup row
	SaveDepartment(department *Department) error

	// ListDepartments returns all departments
	ListDepartments() ([]*Department, error)

	// SaveReceipt saves a receipt
	SaveReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// ListReceiptsByUser returns all receipts owned by a user
	ListReceiptsByUser(userID string) ([]*Receipt, error)

	// ListReceiptsByReport returns all receipts linked to a report
	ListReceiptsByReport(reportID string) ([]*Receipt, error)

	// DeleteReceipt removes a receipt and its expense row
	DeleteReceipt(id string) error

	// SaveExpense saves an expense, keyed by its receipt ID (1:1)
	SaveExpense(expense *Expense) error

	// SaveExpenseAndReport persists a freshly extracted expense together
	// with the linked report's recomputed total atomically
	SaveExpenseAndReport(expense *Expense, report *ExpenseReport) error

	// GetExpenseByReceipt retrieves the expense derived from a receipt
	GetExpenseByReceipt(receiptID string) (*Expense, error)

	// UpdateExpenseWithAudit persists an edited expense and appends the
	// audit entry atomically; a non-nil report (recomputed total after a
	// re-price) commits in the same transaction
	UpdateExpenseWithAudit(expense *Expense, report *ExpenseReport, entry *AuditLogEntry) error

	// SaveReport saves an expense report
	SaveReport(report *ExpenseReport) error

	// GetReport retrieves an expense report by ID
	GetReport(id string) (*ExpenseReport, error)

	// ListReportsByUser returns all reports owned by a user
	ListReportsByUser(userID string) ([]*ExpenseReport, error)

	// SaveReportWithAudit persists a report and appends the audit entry
	// atomically
	SaveReportWithAudit(report *ExpenseReport, entry *AuditLogEntry) error

	// SaveReceiptAndReportWithAudit persists a membership change (receipt
	// linkage plus recomputed report total) and its audit entry atomically
	SaveReceiptAndReportWithAudit(receipt *Receipt, report *ExpenseReport, entry *AuditLogEntry) error

	// SubmitReportWithAudit persists the submitted report, its flipped
	// receipts and the audit entry atomically
	SubmitReportWithAudit(report *ExpenseReport, receipts []*Receipt, entry *AuditLogEntry) error

	// DeleteReportWithAudit removes a report, its receipts and their
	// expenses, appending the audit entry atomically
	DeleteReportWithAudit(reportID string, entry *AuditLogEntry) error

	// AppendAudit appends an audit entry on its own
	AppendAudit(entry *AuditLogEntry) error

	// ListAuditByEntity returns all audit entries for an entity, oldest first
	ListAuditByEntity(entityID string) ([]*AuditLogEntry, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	buckets := []string{
		usersBucket, departmentsBucket, categoriesBucket,
		reportsBucket, receiptsBucket, expensesBucket, auditLogBucket,
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// putJSON marshals v into bucket under key within tx.
func putJSON(tx *bbolt.Tx, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

// getJSON unmarshals the value at key in bucket into v.
func getJSON(tx *bbolt.Tx, bucket, key string, v any) error {
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// auditKey builds a monotonically sortable key so ListAuditByEntity returns
// entries in append order.
func auditKey(entry *AuditLogEntry) string {
	return fmt.Sprintf("%020d_%s", entry.Timestamp.UnixNano(), entry.ID)
}

// appendAuditTx appends the entry inside an open transaction. There is no
// corresponding update or delete: the ledger is append-only.
func appendAuditTx(tx *bbolt.Tx, entry *AuditLogEntry) error {
	return putJSON(tx, auditLogBucket, auditKey(entry), entry)
}

// SaveUser saves a user to the directory.
func (b *BoltDB) SaveUser(user *User) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, usersBucket, user.Username, user)
	})
}

// GetUserByUsername retrieves a user by username.
func (b *BoltDB) GetUserByUsername(username string) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, usersBucket, username, &user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SaveCategory saves a category lookup row.
func (b *BoltDB) SaveCategory(category *Category) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, categoriesBucket, category.ID, category)
	})
}

// ListCategories returns all categories.
func (b *BoltDB) ListCategories() ([]*Category, error) {
	categories := make([]*Category, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(categoriesBucket)).ForEach(func(k, v []byte) error {
			var category Category
			if err := json.Unmarshal(v, &category); err != nil {
				return fmt.Errorf("unmarshaling category: %w", err)
			}
			categories = append(categories, &category)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return categories, nil
}

// SaveDepartment saves a department lookup row.
func (b *BoltDB) SaveDepartment(department *Department) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, departmentsBucket, department.ID, department)
	})
}

// ListDepartments returns all departments.
func (b *BoltDB) ListDepartments() ([]*Department, error) {
	departments := make([]*Department, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(departmentsBucket)).ForEach(func(k, v []byte) error {
			var department Department
			if err := json.Unmarshal(v, &department); err != nil {
				return fmt.Errorf("unmarshaling department: %w", err)
			}
			departments = append(departments, &department)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return departments, nil
}

// SaveReceipt saves a receipt.
func (b *BoltDB) SaveReceipt(receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, receiptsBucket, receipt.ID, receipt)
	})
}

// GetReceipt retrieves a receipt by ID.
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, receiptsBucket, id, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// listReceipts returns receipts matching the filter.
func (b *BoltDB) listReceipts(match func(*Receipt) bool) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(receiptsBucket)).ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if match(&receipt) {
				receipts = append(receipts, &receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// ListReceiptsByUser returns all receipts owned by a user.
func (b *BoltDB) ListReceiptsByUser(userID string) ([]*Receipt, error) {
	return b.listReceipts(func(r *Receipt) bool { return r.UserID == userID })
}

// ListReceiptsByReport returns all receipts linked to a report.
func (b *BoltDB) ListReceiptsByReport(reportID string) ([]*Receipt, error) {
	return b.listReceipts(func(r *Receipt) bool { return r.ExpenseReportID == reportID })
}

// DeleteReceipt removes a receipt and its expense row in one transaction.
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(receiptsBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket([]byte(expensesBucket)).Delete([]byte(id))
	})
}

// SaveExpense saves an expense, keyed by its receipt ID.
func (b *BoltDB) SaveExpense(expense *Expense) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, expensesBucket, expense.ReceiptID, expense)
	})
}

// GetExpenseByReceipt retrieves the expense derived from a receipt.
func (b *BoltDB) GetExpenseByReceipt(receiptID string) (*Expense, error) {
	var expense *Expense
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, expensesBucket, receiptID, &expense)
	})
	if err != nil {
		return nil, err
	}
	return expense, nil
}

// SaveExpenseAndReport persists a freshly extracted expense together with the
// linked report's recomputed total atomically.
func (b *BoltDB) SaveExpenseAndReport(expense *Expense, report *ExpenseReport) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, expensesBucket, expense.ReceiptID, expense); err != nil {
			return err
		}
		return putJSON(tx, reportsBucket, report.ID, report)
	})
}

// UpdateExpenseWithAudit persists the edited expense and appends the audit
// entry atomically; a non-nil report commits in the same transaction.
func (b *BoltDB) UpdateExpenseWithAudit(expense *Expense, report *ExpenseReport, entry *AuditLogEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, expensesBucket, expense.ReceiptID, expense); err != nil {
			return err
		}
		if report != nil {
			if err := putJSON(tx, reportsBucket, report.ID, report); err != nil {
				return err
			}
		}
		return appendAuditTx(tx, entry)
	})
}

// SaveReport saves an expense report.
func (b *BoltDB) SaveReport(report *ExpenseReport) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, reportsBucket, report.ID, report)
	})
}

// GetReport retrieves an expense report by ID.
func (b *BoltDB) GetReport(id string) (*ExpenseReport, error) {
	var report *ExpenseReport
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, reportsBucket, id, &report)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ListReportsByUser returns all reports owned by a user.
func (b *BoltDB) ListReportsByUser(userID string) ([]*ExpenseReport, error) {
	reports := make([]*ExpenseReport, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(reportsBucket)).ForEach(func(k, v []byte) error {
			var report ExpenseReport
			if err := json.Unmarshal(v, &report); err != nil {
				return fmt.Errorf("unmarshaling report: %w", err)
			}
			if report.UserID == userID {
				reports = append(reports, &report)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// SaveReportWithAudit persists the report and its audit entry atomically.
func (b *BoltDB) SaveReportWithAudit(report *ExpenseReport, entry *AuditLogEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, reportsBucket, report.ID, report); err != nil {
			return err
		}
		return appendAuditTx(tx, entry)
	})
}

// SaveReceiptAndReportWithAudit persists a membership change atomically.
func (b *BoltDB) SaveReceiptAndReportWithAudit(receipt *Receipt, report *ExpenseReport, entry *AuditLogEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, receiptsBucket, receipt.ID, receipt); err != nil {
			return err
		}
		if err := putJSON(tx, reportsBucket, report.ID, report); err != nil {
			return err
		}
		return appendAuditTx(tx, entry)
	})
}

// SubmitReportWithAudit persists the submitted report, its receipts and the
// audit entry atomically.
func (b *BoltDB) SubmitReportWithAudit(report *ExpenseReport, receipts []*Receipt, entry *AuditLogEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, reportsBucket, report.ID, report); err != nil {
			return err
		}
		for _, receipt := range receipts {
			if err := putJSON(tx, receiptsBucket, receipt.ID, receipt); err != nil {
				return err
			}
		}
		return appendAuditTx(tx, entry)
	})
}

// DeleteReportWithAudit removes a report, its receipts and their expenses,
// appending the audit entry atomically.
func (b *BoltDB) DeleteReportWithAudit(reportID string, entry *AuditLogEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		receiptsB := tx.Bucket([]byte(receiptsBucket))
		expensesB := tx.Bucket([]byte(expensesBucket))

		var linked [][]byte
		err := receiptsB.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if receipt.ExpenseReportID == reportID {
				linked = append(linked, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range linked {
			if err := receiptsB.Delete(key); err != nil {
				return err
			}
			if err := expensesB.Delete(key); err != nil {
				return err
			}
		}

		if err := tx.Bucket([]byte(reportsBucket)).Delete([]byte(reportID)); err != nil {
			return err
		}
		return appendAuditTx(tx, entry)
	})
}

// AppendAudit appends an audit entry on its own.
func (b *BoltDB) AppendAudit(entry *AuditLogEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return appendAuditTx(tx, entry)
	})
}

// ListAuditByEntity returns all audit entries for an entity, oldest first.
func (b *BoltDB) ListAuditByEntity(entityID string) ([]*AuditLogEntry, error) {
	entries := make([]*AuditLogEntry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(auditLogBucket)).ForEach(func(k, v []byte) error {
			var entry AuditLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling audit entry: %w", err)
			}
			if entry.EntityID == entityID {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the database connection.
func (b *BoltDB) Close() error {
	return b.db.Close()
}
