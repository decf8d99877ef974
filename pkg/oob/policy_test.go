package oob_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
)

func capabilities() *protocol.Capabilities {
	return &protocol.Capabilities{NumElements: 1, Algorithms: oob.AlgorithmFIPSP256}
}

var _ = Describe("Capabilities", func() {
	Describe("OutputActions", func() {
		It("collects every advertised bit", func() {
			Expect(oob.OutputActions(0x0019)).To(Equal([]oob.OutputAction{oob.Blink, oob.OutputNumeric, oob.OutputAlphanumeric}))
		})
		It("ignores undefined bits", func() {
			Expect(oob.OutputActions(0xffe0)).To(BeEmpty())
		})
		It("round-trips through OutputMask", func() {
			Expect(oob.OutputMask(oob.OutputActions(0x001f)...)).To(Equal(uint16(0x001f)))
		})
	})

	Describe("InputActions", func() {
		It("maps bits through the table", func() {
			Expect(oob.InputActions(0x000a)).To(Equal([]oob.InputAction{oob.Twist, oob.InputAlphanumeric}))
			Expect(oob.InputNumeric.Bit()).To(Equal(uint16(0x0004)))
			Expect(oob.InputAction(9).Bit()).To(BeZero())
		})
	})
})

var _ = Describe("Policy", func() {
	var (
		policy oob.Policy
		caps   *protocol.Capabilities
		static []byte
	)

	BeforeEach(func() {
		policy = oob.DefaultPolicy()
		caps = capabilities()
		static = bytes.Repeat([]byte{0x42}, oob.AuthValueSize)
	})

	It("selects no OOB when nothing else is advertised", func() {
		sel, err := policy.Select(caps, oob.Local{})
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Method).To(Equal(oob.MethodNone))
		Expect(sel.Start()).To(Equal(&protocol.Start{}))
	})

	It("rejects devices without FIPS P-256", func() {
		caps.Algorithms = 0x0002
		_, err := policy.Select(caps, oob.Local{})
		Expect(err).To(MatchError(oob.ErrNoCommonAlgorithm))
	})

	It("prefers static over output and input", func() {
		caps.StaticOOBType = oob.StaticOOB
		caps.OutputOOBSize, caps.OutputOOBActions = 4, oob.OutputMask(oob.OutputNumeric)
		caps.InputOOBSize, caps.InputOOBActions = 4, oob.InputMask(oob.InputNumeric)
		sel, err := policy.Select(caps, oob.Local{StaticValue: static})
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Method).To(Equal(oob.MethodStatic))
	})

	It("skips static OOB without a local value", func() {
		caps.StaticOOBType = oob.StaticOOB
		caps.InputOOBSize, caps.InputOOBActions = 4, oob.InputMask(oob.Push)
		sel, err := policy.Select(caps, oob.Local{})
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Method).To(Equal(oob.MethodInput))
		Expect(oob.InputAction(sel.Action)).To(Equal(oob.Push))
	})

	It("picks one action deterministically when several are advertised", func() {
		caps.OutputOOBSize = 6
		caps.OutputOOBActions = oob.OutputMask(oob.Blink, oob.Beep, oob.OutputAlphanumeric, oob.OutputNumeric)
		for i := 0; i < 10; i++ {
			sel, err := policy.Select(caps, oob.Local{})
			Expect(err).ToNot(HaveOccurred())
			Expect(sel).To(Equal(oob.Selection{Method: oob.MethodOutput, Action: uint8(oob.OutputNumeric), Size: 6}))
		}
		policy.OutputActions = []oob.OutputAction{oob.Beep}
		sel, err := policy.Select(caps, oob.Local{})
		Expect(err).ToNot(HaveOccurred())
		Expect(oob.OutputAction(sel.Action)).To(Equal(oob.Beep))
	})

	It("ignores actions advertised with size zero", func() {
		caps.OutputOOBActions = oob.OutputMask(oob.OutputNumeric)
		sel, err := policy.Select(caps, oob.Local{})
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Method).To(Equal(oob.MethodNone))
	})

	It("caps the size", func() {
		caps.InputOOBSize, caps.InputOOBActions = 8, oob.InputMask(oob.InputNumeric)
		policy.MaxSize = 4
		sel, err := policy.Select(caps, oob.Local{})
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Size).To(Equal(uint8(4)))

		caps.InputOOBSize = 0x0f
		policy.MaxSize = 0
		sel, err = policy.Select(caps, oob.Local{})
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Size).To(Equal(uint8(oob.MaxSize)))
	})

	It("honours a custom order", func() {
		caps.StaticOOBType = oob.StaticOOB
		caps.InputOOBSize, caps.InputOOBActions = 2, oob.InputMask(oob.Twist)
		policy.Order = []oob.Method{oob.MethodInput, oob.MethodStatic}
		sel, err := policy.Select(caps, oob.Local{StaticValue: static})
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Method).To(Equal(oob.MethodInput))
	})

	It("fails when the order excludes every supported method", func() {
		policy.Order = []oob.Method{oob.MethodStatic}
		_, err := policy.Select(caps, oob.Local{})
		Expect(err).To(MatchError(oob.ErrNoCommonMethod))
	})

	It("uses the OOB public key only when both sides have it", func() {
		caps.PublicKeyType = oob.PublicKeyOOB
		sel, err := policy.Select(caps, oob.Local{})
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.OOBPublicKey).To(BeFalse())
		sel, err = policy.Select(caps, oob.Local{PublicKeyKnown: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.OOBPublicKey).To(BeTrue())
		Expect(sel.Start().PublicKey).To(Equal(oob.StartPublicKeyOOB))
	})
})

var _ = Describe("ValidateStart", func() {
	var caps *protocol.Capabilities

	BeforeEach(func() {
		caps = capabilities()
		caps.OutputOOBSize, caps.OutputOOBActions = 4, oob.OutputMask(oob.OutputNumeric)
	})

	It("accepts what the policy selects", func() {
		sel, err := oob.DefaultPolicy().Select(caps, oob.Local{})
		Expect(err).ToNot(HaveOccurred())
		Expect(oob.ValidateStart(caps, sel.Start())).To(Succeed())
		Expect(oob.SelectionFromStart(sel.Start())).To(Equal(sel))
	})

	DescribeTable("rejects",
		func(start protocol.Start) {
			Expect(oob.ValidateStart(caps, &start)).To(MatchError(oob.ErrProhibitedStart))
		},
		Entry("unknown algorithm", protocol.Start{Algorithm: 1}),
		Entry("unadvertised OOB public key", protocol.Start{PublicKey: 1}),
		Entry("reserved public key type", protocol.Start{PublicKey: 2}),
		Entry("unadvertised static OOB", protocol.Start{AuthMethod: 1}),
		Entry("reserved method", protocol.Start{AuthMethod: 4}),
		Entry("no OOB with action", protocol.Start{AuthAction: 1}),
		Entry("unadvertised output action", protocol.Start{AuthMethod: 2, AuthAction: uint8(oob.Blink), AuthSize: 1}),
		Entry("output size too large", protocol.Start{AuthMethod: 2, AuthAction: uint8(oob.OutputNumeric), AuthSize: 5}),
		Entry("output size zero", protocol.Start{AuthMethod: 2, AuthAction: uint8(oob.OutputNumeric)}),
		Entry("unadvertised input", protocol.Start{AuthMethod: 3, AuthAction: uint8(oob.Push), AuthSize: 1}),
	)
})
