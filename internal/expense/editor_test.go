package expense

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/expensetrack/expensetrack/internal/extraction"
)

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

var _ = Describe("EditExpense", func() {
	var (
		db      *mockDB
		storage *mockStorage
		service *Service
		owner   *User

		edit        ExpenseEdit
		exp         *Expense
		changesMade bool
		err         error
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		service = NewService(db, storage, nil, &mockExtractor{}, DefaultRetryPolicy).
			WithDeps(&seqIDGenerator{}, &fixedTimeSource{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}, &recordingSleeper{})

		owner = &User{ID: "user-1", Username: "alice", Role: RoleUser}

		db.receipts["receipt-1"] = &Receipt{ID: "receipt-1", UserID: "user-1", Status: StatusDraft}
		db.expenses["receipt-1"] = &Expense{
			ID:          "expense-1",
			ReceiptID:   "receipt-1",
			VendorName:  "Amazon",
			AmountCents: 9741,
			Currency:    "USD",
			ExpenseDate: "2024-01-15",
			IsEdited:    false,
			ExtractedData: &extraction.ExtractedData{
				Vendor: "Amazon", Total: 97.41, Currency: "USD", Confidence: 0.95,
			},
		}

		edit = ExpenseEdit{}
	})

	JustBeforeEach(func() {
		exp, changesMade, err = service.EditExpense(context.Background(), owner, "receipt-1", edit)
	})

	When("only the amount changes", func() {
		BeforeEach(func() {
			edit.Amount = f64Ptr(120.50)
		})

		It("should apply the change", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(changesMade).To(BeTrue())
			Expect(exp.AmountCents).To(Equal(int64(12050)))
		})

		It("should flip is_edited", func() {
			Expect(exp.IsEdited).To(BeTrue())
		})

		It("should audit only the amount field", func() {
			entries := db.auditFor("expense-1")
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Action).To(Equal("edited"))
			Expect(entries[0].Changes.Before).To(Equal(map[string]any{"amount_cents": int64(9741)}))
			Expect(entries[0].Changes.After).To(Equal(map[string]any{"amount_cents": int64(12050)}))
		})

		It("should leave the extracted payload untouched", func() {
			Expect(exp.ExtractedData.Total).To(Equal(97.41))
		})
	})

	When("several fields change at once", func() {
		BeforeEach(func() {
			edit.VendorName = strPtr("Amazon Web Services")
			edit.ExpenseDate = strPtr("2024-01-16")
			edit.Description = strPtr("Team offsite supplies")
		})

		It("should record all changed fields in one audit entry", func() {
			Expect(err).NotTo(HaveOccurred())
			entries := db.auditFor("expense-1")
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Changes.After).To(HaveLen(3))
			Expect(entries[0].Changes.After).To(HaveKeyWithValue("vendor_name", "Amazon Web Services"))
			Expect(entries[0].Changes.After).To(HaveKeyWithValue("expense_date", "2024-01-16"))
			Expect(entries[0].Changes.After).To(HaveKeyWithValue("description", "Team offsite supplies"))
		})
	})

	When("the proposed values equal the stored values", func() {
		BeforeEach(func() {
			edit.VendorName = strPtr("Amazon")
			edit.Amount = f64Ptr(97.41)
			edit.Currency = strPtr("USD")
		})

		It("should report no changes made", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(changesMade).To(BeFalse())
		})

		It("should write no audit entry", func() {
			Expect(db.auditFor("expense-1")).To(BeEmpty())
		})

		It("should not flip is_edited", func() {
			Expect(exp.IsEdited).To(BeFalse())
		})
	})

	When("the same edit is applied twice", func() {
		BeforeEach(func() {
			edit.VendorName = strPtr("Costco")
		})

		It("should be a no-op the second time", func() {
			Expect(changesMade).To(BeTrue())

			again, made, editErr := service.EditExpense(context.Background(), owner, "receipt-1", edit)
			Expect(editErr).NotTo(HaveOccurred())
			Expect(made).To(BeFalse())
			Expect(again.VendorName).To(Equal("Costco"))
			Expect(db.auditFor("expense-1")).To(HaveLen(1))
		})

		It("should keep is_edited set", func() {
			_, _, editErr := service.EditExpense(context.Background(), owner, "receipt-1", edit)
			Expect(editErr).NotTo(HaveOccurred())

			stored, _ := db.GetExpenseByReceipt("receipt-1")
			Expect(stored.IsEdited).To(BeTrue())
		})
	})

	When("the receipt belongs to a report", func() {
		BeforeEach(func() {
			db.reports["report-1"] = &ExpenseReport{
				ID: "report-1", UserID: "user-1", Status: StatusDraft, TotalAmountCents: 9741,
			}
			db.receipts["receipt-1"].ExpenseReportID = "report-1"
		})

		When("the amount changes", func() {
			BeforeEach(func() {
				edit.Amount = f64Ptr(120.50)
			})

			It("should move the report total with the re-price", func() {
				Expect(err).NotTo(HaveOccurred())
				report, getErr := db.GetReport("report-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(report.TotalAmountCents).To(Equal(int64(12050)))
			})
		})

		When("other members share the report", func() {
			BeforeEach(func() {
				db.receipts["receipt-2"] = &Receipt{ID: "receipt-2", UserID: "user-1", Status: StatusDraft, ExpenseReportID: "report-1"}
				db.expenses["receipt-2"] = &Expense{ID: "expense-2", ReceiptID: "receipt-2", AmountCents: 500}
				db.reports["report-1"].TotalAmountCents = 10241
				edit.Amount = f64Ptr(100.00)
			})

			It("should keep the total equal to the member sum", func() {
				Expect(err).NotTo(HaveOccurred())
				report, getErr := db.GetReport("report-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(report.TotalAmountCents).To(Equal(int64(10500)))
			})
		})

		When("only non-monetary fields change", func() {
			BeforeEach(func() {
				edit.VendorName = strPtr("Costco")
			})

			It("should leave the report total untouched", func() {
				Expect(err).NotTo(HaveOccurred())
				report, getErr := db.GetReport("report-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(report.TotalAmountCents).To(Equal(int64(9741)))
			})
		})
	})

	When("the amount is negative", func() {
		BeforeEach(func() {
			edit.Amount = f64Ptr(-5)
		})

		It("should reject with a validation error", func() {
			Expect(errors.Is(err, ErrValidation)).To(BeTrue())
		})
	})

	When("the actor is neither owner nor elevated", func() {
		BeforeEach(func() {
			owner = &User{ID: "user-2", Username: "bob", Role: RoleUser}
			edit.VendorName = strPtr("Costco")
		})

		It("should reject with forbidden before computing a diff", func() {
			Expect(errors.Is(err, ErrForbidden)).To(BeTrue())
			Expect(db.auditFor("expense-1")).To(BeEmpty())
		})
	})

	When("an accounting user edits someone else's expense", func() {
		BeforeEach(func() {
			owner = &User{ID: "user-3", Username: "carol", Role: RoleAccounting}
			edit.CategoryID = strPtr("cat-1")
		})

		It("should be allowed and attributed to the actor", func() {
			Expect(err).NotTo(HaveOccurred())
			entries := db.auditFor("expense-1")
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].UserID).To(Equal("user-3"))
		})
	})

	When("the atomic commit fails", func() {
		BeforeEach(func() {
			db.updateErr = errors.New("tx failed")
			edit.VendorName = strPtr("Costco")
		})

		It("should leave the stored expense unchanged", func() {
			Expect(err).To(HaveOccurred())
			stored, _ := db.GetExpenseByReceipt("receipt-1")
			Expect(stored.VendorName).To(Equal("Amazon"))
			Expect(stored.IsEdited).To(BeFalse())
		})
	})
})

var _ = Describe("DeleteReceipt", func() {
	var (
		db      *mockDB
		storage *mockStorage
		service *Service
		owner   *User
		err     error
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		service = NewService(db, storage, nil, &mockExtractor{}, DefaultRetryPolicy)

		owner = &User{ID: "user-1", Username: "alice", Role: RoleUser}
		db.receipts["receipt-1"] = &Receipt{
			ID:        "receipt-1",
			UserID:    "user-1",
			ImagePath: "user-1/receipt-1_original.jpg",
			Status:    StatusDraft,
		}
		db.expenses["receipt-1"] = &Expense{ID: "expense-1", ReceiptID: "receipt-1"}
		storage.files["user-1/receipt-1_original.jpg"] = []byte("blob")
	})

	JustBeforeEach(func() {
		err = service.DeleteReceipt(context.Background(), owner, "receipt-1")
	})

	When("the receipt is an unlinked draft", func() {
		It("should delete the row, the expense and the blob", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(db.receipts).To(BeEmpty())
			Expect(db.expenses).To(BeEmpty())
			Expect(storage.deleted).To(ContainElement("user-1/receipt-1_original.jpg"))
		})
	})

	When("the receipt belongs to a report", func() {
		BeforeEach(func() {
			db.receipts["receipt-1"].ExpenseReportID = "report-1"
		})

		It("should reject with a conflict and delete nothing", func() {
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
			Expect(db.receipts).To(HaveKey("receipt-1"))
			Expect(storage.deleted).To(BeEmpty())
		})
	})

	When("the receipt is already submitted", func() {
		BeforeEach(func() {
			db.receipts["receipt-1"].Status = StatusSubmitted
		})

		It("should reject with a conflict", func() {
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})
	})

	When("the actor does not own the receipt", func() {
		BeforeEach(func() {
			owner = &User{ID: "user-2", Username: "bob", Role: RoleUser}
		})

		It("should reject with forbidden", func() {
			Expect(errors.Is(err, ErrForbidden)).To(BeTrue())
		})
	})

	When("the receipt does not exist", func() {
		JustBeforeEach(func() {
			err = service.DeleteReceipt(context.Background(), owner, "nope")
		})

		It("should report not found", func() {
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	When("the row delete fails", func() {
		BeforeEach(func() {
			db.deleteReceiptErr = errors.New("tx failed")
		})

		It("should keep the blob so the row never dangles", func() {
			Expect(err).To(HaveOccurred())
			Expect(storage.deleted).To(BeEmpty())
			Expect(storage.files).To(HaveKey("user-1/receipt-1_original.jpg"))
		})
	})
})
