package extraction

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockProvider is a mock implementation of Provider
type mockProvider struct {
	response string
	err      error
	lastReq  Request
}

func (m *mockProvider) Generate(ctx context.Context, req Request) (string, error) {
	m.lastReq = req
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func (m *mockProvider) Close() error {
	return nil
}

var _ = Describe("Engine", func() {
	var (
		provider *mockProvider
		engine   *Engine
		req      Request
		data     *ExtractedData
	)

	BeforeEach(func() {
		provider = &mockProvider{
			response: `{"vendor": "Amazon", "date": "2024-01-15", "total": 97.41, "currency": "USD", "line_items": [], "confidence": 0.95}`,
		}
		engine = NewEngine(provider)
		req = Request{ImageData: []byte("png bytes"), MIMEType: "image/png"}
	})

	JustBeforeEach(func() {
		data = engine.Extract(context.Background(), req)
	})

	When("the provider returns valid JSON", func() {
		It("should return the extracted record", func() {
			Expect(data.Vendor).To(Equal("Amazon"))
			Expect(data.Total).To(Equal(97.41))
			Expect(data.Confidence).To(Equal(0.95))
		})

		It("should not set the diagnostic field", func() {
			Expect(data.RawText).To(BeEmpty())
		})
	})

	When("the provider fails", func() {
		BeforeEach(func() {
			provider.err = errors.New("model unavailable")
		})

		It("should return the sentinel record", func() {
			Expect(data.Vendor).To(Equal(UnknownVendor))
			Expect(data.Total).To(BeZero())
			Expect(data.Confidence).To(BeZero())
		})

		It("should carry the error as a diagnostic", func() {
			Expect(data.RawText).To(ContainSubstring("model unavailable"))
		})
	})

	When("the provider returns non-JSON text", func() {
		BeforeEach(func() {
			provider.response = "sorry, I can't read this"
		})

		It("should return the sentinel record with a diagnostic", func() {
			Expect(data.Vendor).To(Equal(UnknownVendor))
			Expect(data.Confidence).To(BeZero())
			Expect(data.RawText).NotTo(BeEmpty())
		})
	})

	When("the request carries neither image nor text", func() {
		BeforeEach(func() {
			req = Request{}
		})

		It("should return the scanned-document sentinel without calling the provider", func() {
			Expect(data.RawText).To(Equal(ScannedDocumentNote))
			Expect(provider.lastReq.ImageData).To(BeNil())
		})
	})

	When("the request carries extracted text", func() {
		BeforeEach(func() {
			req = Request{Text: "AMAZON ORDER 123 TOTAL $97.41"}
		})

		It("should forward the text to the provider", func() {
			Expect(provider.lastReq.Text).To(Equal("AMAZON ORDER 123 TOTAL $97.41"))
			Expect(data.Vendor).To(Equal("Amazon"))
		})
	})
})
