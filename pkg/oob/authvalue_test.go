package oob_test

import (
	"crypto/rand"
	"strconv"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/meshlink/provisioner/pkg/oob"
)

var _ = Describe("AuthValue", func() {
	numeric := oob.Selection{Method: oob.MethodOutput, Action: uint8(oob.OutputNumeric), Size: 6}
	alpha := oob.Selection{Method: oob.MethodInput, Action: uint8(oob.InputAlphanumeric), Size: 4}
	blink := oob.Selection{Method: oob.MethodOutput, Action: uint8(oob.Blink), Size: 1}

	Describe("encoding", func() {
		It("right-aligns numeric values", func() {
			v := oob.NumericAuthValue(numeric, 0x0102)
			expected := make([]byte, oob.AuthValueSize)
			expected[14], expected[15] = 0x01, 0x02
			Expect(v.Bytes()).To(Equal(expected))
			Expect(v.Text).To(Equal("258"))
		})

		It("left-aligns alphanumeric values", func() {
			v := oob.AlphanumericAuthValue(alpha, "AB1")
			expected := make([]byte, oob.AuthValueSize)
			copy(expected, "AB1")
			Expect(v.Bytes()).To(Equal(expected))
		})

		It("uses zero for no OOB", func() {
			v := oob.NoAuthValue()
			Expect(v.Bytes()).To(Equal(make([]byte, oob.AuthValueSize)))
		})

		It("requires 16 static bytes", func() {
			_, err := oob.NewStaticAuthValue(make([]byte, 15))
			Expect(err).To(MatchError(oob.ErrInvalidAuthValue))
		})
	})

	Describe("Generate", func() {
		It("stays within the numeric range", func() {
			for i := 0; i < 50; i++ {
				v, err := oob.Generate(rand.Reader, numeric)
				Expect(err).ToNot(HaveOccurred())
				n, err := strconv.ParseUint(v.Text, 10, 64)
				Expect(err).ToNot(HaveOccurred())
				Expect(n).To(BeNumerically("<", 1000000))
				Expect(v.Matches(numeric)).To(BeTrue())
			}
		})

		It("never produces a zero count", func() {
			for i := 0; i < 50; i++ {
				v, err := oob.Generate(rand.Reader, blink)
				Expect(err).ToNot(HaveOccurred())
				Expect(v.Text).ToNot(Equal("0"))
				Expect(len(v.Text)).To(Equal(1))
			}
		})

		It("uses the alphanumeric charset", func() {
			v, err := oob.Generate(nil, alpha)
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Text).To(HaveLen(4))
			Expect(strings.Trim(v.Text, "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ")).To(BeEmpty())
		})

		It("refuses static values", func() {
			_, err := oob.Generate(rand.Reader, oob.Selection{Method: oob.MethodStatic})
			Expect(err).To(MatchError(oob.ErrInvalidAuthValue))
		})
	})

	Describe("Parse", func() {
		It("accepts what Generate produced", func() {
			for _, sel := range []oob.Selection{numeric, alpha, blink} {
				generated, err := oob.Generate(rand.Reader, sel)
				Expect(err).ToNot(HaveOccurred())
				parsed, err := oob.Parse(sel, generated.Text)
				Expect(err).ToNot(HaveOccurred())
				Expect(parsed).To(Equal(generated))
			}
		})

		It("normalises case of alphanumeric input", func() {
			v, err := oob.Parse(alpha, " ab9 ")
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Text).To(Equal("AB9"))
		})

		It("parses static values as hex", func() {
			v, err := oob.Parse(oob.Selection{Method: oob.MethodStatic}, "000102030405060708090a0b0c0d0e0f")
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Value[15]).To(Equal(byte(0x0f)))
		})

		DescribeTable("rejects",
			func(sel oob.Selection, text string) {
				_, err := oob.Parse(sel, text)
				Expect(err).To(MatchError(oob.ErrInvalidAuthValue))
			},
			Entry("empty input", numeric, ""),
			Entry("too many digits", numeric, "1234567"),
			Entry("letters for numeric", numeric, "12a"),
			Entry("punctuation for alphanumeric", alpha, "A-B"),
			Entry("zero count", blink, "0"),
			Entry("short static value", oob.Selection{Method: oob.MethodStatic}, "0001"),
		)
	})
})
