package expense

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Expense reports", func() {
	var (
		db      *mockDB
		storage *mockStorage
		service *Service
		owner   *User
	)

	// seedReceipt creates a draft receipt with an expense of the given amount.
	seedReceipt := func(id string, cents int64) {
		db.receipts[id] = &Receipt{
			ID:        id,
			UserID:    "user-1",
			ImagePath: "user-1/" + id + "_original.jpg",
			Status:    StatusDraft,
		}
		db.expenses[id] = &Expense{ID: "exp-" + id, ReceiptID: id, AmountCents: cents}
		storage.files["user-1/"+id+"_original.jpg"] = []byte("blob")
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		service = NewService(db, storage, nil, &mockExtractor{}, DefaultRetryPolicy).
			WithDeps(&seqIDGenerator{}, &fixedTimeSource{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}, &recordingSleeper{})

		owner = &User{ID: "user-1", Username: "alice", Role: RoleUser}
	})

	Describe("CreateReport", func() {
		It("should create a draft report with a zero total", func() {
			report, err := service.CreateReport(context.Background(), owner, "January Travel")
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal(StatusDraft))
			Expect(report.TotalAmountCents).To(BeZero())
			Expect(db.auditFor(report.ID)).To(HaveLen(1))
		})

		It("should reject an empty title", func() {
			_, err := service.CreateReport(context.Background(), owner, "   ")
			Expect(errors.Is(err, ErrValidation)).To(BeTrue())
		})
	})

	Describe("receipt membership", func() {
		var report *ExpenseReport

		BeforeEach(func() {
			var err error
			report, err = service.CreateReport(context.Background(), owner, "January Travel")
			Expect(err).NotTo(HaveOccurred())

			seedReceipt("receipt-1", 9741)
			seedReceipt("receipt-2", 1250)
		})

		It("should keep the total equal to the sum of member expenses", func() {
			updated, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.TotalAmountCents).To(Equal(int64(9741)))

			updated, err = service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.TotalAmountCents).To(Equal(int64(10991)))

			updated, err = service.RemoveReceiptFromReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.TotalAmountCents).To(Equal(int64(1250)))
		})

		It("should skip receipts whose extraction is still pending", func() {
			delete(db.expenses, "receipt-2")

			_, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())
			updated, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.TotalAmountCents).To(Equal(int64(9741)))
		})

		It("should audit the total before and after each change", func() {
			_, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())

			entries := db.auditFor(report.ID)
			last := entries[len(entries)-1]
			Expect(last.Action).To(Equal("receipt_added"))
			Expect(last.Changes.Before).To(HaveKeyWithValue("total_amount_cents", int64(0)))
			Expect(last.Changes.After).To(HaveKeyWithValue("total_amount_cents", int64(9741)))
		})

		It("should refuse a receipt that belongs to another report", func() {
			db.receipts["receipt-1"].ExpenseReportID = "other-report"

			_, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})

		It("should treat re-adding a member receipt as a no-op", func() {
			_, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())
			before := len(db.auditFor(report.ID))

			updated, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.TotalAmountCents).To(Equal(int64(9741)))
			Expect(db.auditFor(report.ID)).To(HaveLen(before))
		})

		It("should refuse removing a receipt that is not a member", func() {
			_, err := service.RemoveReceiptFromReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})

		It("should refuse membership changes on a submitted report", func() {
			_, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.SubmitReport(context.Background(), owner, report.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-2")
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})
	})

	Describe("SubmitReport", func() {
		var report *ExpenseReport

		BeforeEach(func() {
			var err error
			report, err = service.CreateReport(context.Background(), owner, "January Travel")
			Expect(err).NotTo(HaveOccurred())
			seedReceipt("receipt-1", 9741)
		})

		When("the report has receipts", func() {
			BeforeEach(func() {
				_, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
				Expect(err).NotTo(HaveOccurred())
			})

			It("should transition report and receipts to submitted", func() {
				submitted, err := service.SubmitReport(context.Background(), owner, report.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(submitted.Status).To(Equal(StatusSubmitted))
				Expect(submitted.SubmittedAt).NotTo(BeNil())

				receipt, _ := db.GetReceipt("receipt-1")
				Expect(receipt.Status).To(Equal(StatusSubmitted))
			})

			It("should audit the status transition", func() {
				_, err := service.SubmitReport(context.Background(), owner, report.ID)
				Expect(err).NotTo(HaveOccurred())

				entries := db.auditFor(report.ID)
				last := entries[len(entries)-1]
				Expect(last.Action).To(Equal("submitted"))
				Expect(last.Changes.Before).To(HaveKeyWithValue("status", StatusDraft))
				Expect(last.Changes.After).To(HaveKeyWithValue("status", StatusSubmitted))
			})

			It("should refuse a second submission", func() {
				_, err := service.SubmitReport(context.Background(), owner, report.ID)
				Expect(err).NotTo(HaveOccurred())

				_, err = service.SubmitReport(context.Background(), owner, report.ID)
				Expect(errors.Is(err, ErrConflict)).To(BeTrue())
			})
		})

		When("the report is empty", func() {
			It("should refuse submission", func() {
				_, err := service.SubmitReport(context.Background(), owner, report.ID)
				Expect(errors.Is(err, ErrValidation)).To(BeTrue())
			})
		})

		When("the actor does not own the report", func() {
			It("should reject with forbidden", func() {
				stranger := &User{ID: "user-2", Username: "bob", Role: RoleUser}
				_, err := service.SubmitReport(context.Background(), stranger, report.ID)
				Expect(errors.Is(err, ErrForbidden)).To(BeTrue())
			})
		})
	})

	Describe("UpdateReportTitle", func() {
		var report *ExpenseReport

		BeforeEach(func() {
			var err error
			report, err = service.CreateReport(context.Background(), owner, "January Travel")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should rename a draft report and audit the change", func() {
			updated, err := service.UpdateReportTitle(context.Background(), owner, report.ID, "Q1 Travel")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Title).To(Equal("Q1 Travel"))

			entries := db.auditFor(report.ID)
			last := entries[len(entries)-1]
			Expect(last.Action).To(Equal("updated"))
			Expect(last.Changes.Before).To(HaveKeyWithValue("title", "January Travel"))
		})

		It("should not audit an unchanged title", func() {
			before := len(db.auditFor(report.ID))
			_, err := service.UpdateReportTitle(context.Background(), owner, report.ID, "January Travel")
			Expect(err).NotTo(HaveOccurred())
			Expect(db.auditFor(report.ID)).To(HaveLen(before))
		})

		It("should refuse renaming a submitted report", func() {
			seedReceipt("receipt-1", 100)
			_, err := service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.SubmitReport(context.Background(), owner, report.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.UpdateReportTitle(context.Background(), owner, report.ID, "Q1 Travel")
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})
	})

	Describe("DeleteReport", func() {
		var report *ExpenseReport

		BeforeEach(func() {
			var err error
			report, err = service.CreateReport(context.Background(), owner, "January Travel")
			Expect(err).NotTo(HaveOccurred())
			seedReceipt("receipt-1", 9741)
			_, err = service.AddReceiptToReport(context.Background(), owner, report.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should delete the report, member receipts and their blobs", func() {
			err := service.DeleteReport(context.Background(), owner, report.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.reports).To(BeEmpty())
			Expect(db.receipts).To(BeEmpty())
			Expect(db.expenses).To(BeEmpty())
			Expect(storage.deleted).To(ContainElement("user-1/receipt-1_original.jpg"))
		})

		It("should refuse deleting a submitted report", func() {
			_, err := service.SubmitReport(context.Background(), owner, report.ID)
			Expect(err).NotTo(HaveOccurred())

			err = service.DeleteReport(context.Background(), owner, report.ID)
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})
	})

	Describe("ListReports", func() {
		BeforeEach(func() {
			_, err := service.CreateReport(context.Background(), owner, "Draft One")
			Expect(err).NotTo(HaveOccurred())
			submitted, err := service.CreateReport(context.Background(), owner, "Submitted One")
			Expect(err).NotTo(HaveOccurred())
			seedReceipt("receipt-1", 100)
			_, err = service.AddReceiptToReport(context.Background(), owner, submitted.ID, "receipt-1")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.SubmitReport(context.Background(), owner, submitted.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should list all of the actor's reports", func() {
			summaries, err := service.ListReports(context.Background(), owner, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(HaveLen(2))
		})

		It("should filter by status and count receipts", func() {
			summaries, err := service.ListReports(context.Background(), owner, StatusSubmitted)
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(HaveLen(1))
			Expect(summaries[0].Report.Title).To(Equal("Submitted One"))
			Expect(summaries[0].ReceiptCount).To(Equal(1))
		})
	})
})
