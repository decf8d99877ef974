package provisioner_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/meshlink/provisioner/pkg/connector/memory"
	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
	"github.com/meshlink/provisioner/pkg/provisioner"
	"github.com/meshlink/provisioner/pkg/provisioning"
)

// outcome collects the callbacks of one session.
type outcome struct {
	lock        sync.Mutex
	completed   []provisioning.NetworkCredentials
	failed      []*protocol.ProvisioningError
	states      []provisioning.State
	displayed   chan string
	inputMethod oob.Method
}

func newOutcome() *outcome {
	return &outcome{displayed: make(chan string, 1)}
}

func (o *outcome) callbacks(peerDisplay chan string) provisioner.Callbacks {
	return provisioner.Callbacks{
		OnComplete: func(_ *provisioner.Handle, c provisioning.NetworkCredentials) {
			o.lock.Lock()
			defer o.lock.Unlock()
			o.completed = append(o.completed, c)
		},
		OnFailed: func(_ *provisioner.Handle, err *protocol.ProvisioningError) {
			o.lock.Lock()
			defer o.lock.Unlock()
			o.failed = append(o.failed, err)
		},
		OnStateChange: func(_ *provisioner.Handle, s provisioning.State) {
			o.lock.Lock()
			defer o.lock.Unlock()
			o.states = append(o.states, s)
		},
		OnDisplay: func(_ *provisioner.Handle, v oob.AuthValue) {
			o.displayed <- v.Text
		},
		OnInputRequired: func(h *provisioner.Handle, sel oob.Selection) {
			o.lock.Lock()
			o.inputMethod = sel.Method
			o.lock.Unlock()
			go func() {
				defer GinkgoRecover()
				Expect(h.SupplyOOBAuthValue(<-peerDisplay)).To(Succeed())
			}()
		},
	}
}

func assignment() provisioner.Assignment {
	a := provisioner.Assignment{KeyIndex: 1, IVIndex: 42, UnicastAddress: 0x0200}
	for i := range a.NetKey {
		a.NetKey[i] = byte(i * 3)
	}
	return a
}

func staticValue(seed byte) []byte {
	v := make([]byte, 16)
	for i := range v {
		v[i] = seed + byte(i)
	}
	return v
}

var _ = Describe("Provisioner", func() {
	var (
		ctx          context.Context
		cancel       context.CancelFunc
		provBearer   *memory.Bearer
		deviceBearer *memory.Bearer
		provOutcome  *outcome
		devOutcome   *outcome
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		provBearer, deviceBearer = memory.NewPipe(0)
		provOutcome, devOutcome = newOutcome(), newOutcome()
	})

	AfterEach(func() {
		cancel()
	})

	run := func(cfg provisioner.Config, device provisioner.DeviceConfig) (*provisioner.Handle, *provisioner.Handle) {
		p, err := provisioner.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		dev, err := p.StartDevice(ctx, deviceBearer, device, devOutcome.callbacks(provOutcome.displayed))
		Expect(err).NotTo(HaveOccurred())
		node := &provisioning.UnprovisionedNode{UUID: device.UUID}
		prov, err := p.StartProvisioning(ctx, provBearer, node, assignment(), provOutcome.callbacks(devOutcome.displayed))
		Expect(err).NotTo(HaveOccurred())
		Eventually(prov.Done()).Should(BeClosed())
		Eventually(dev.Done()).Should(BeClosed())
		Expect(p.Sessions()).To(BeEmpty())
		return prov, dev
	}

	noOOB := func() provisioner.DeviceConfig {
		return provisioner.DeviceConfig{
			UUID:         uuid.New(),
			Capabilities: protocol.Capabilities{NumElements: 3, Algorithms: oob.AlgorithmFIPSP256},
		}
	}

	Context("without OOB authentication", func() {
		It("provisions the device", func() {
			prov, _ := run(provisioner.Config{AttentionDuration: 3}, noOOB())

			Expect(provOutcome.failed).To(BeEmpty())
			Expect(devOutcome.failed).To(BeEmpty())
			Expect(provOutcome.completed).To(HaveLen(1))
			Expect(devOutcome.completed).To(HaveLen(1))
			Expect(provOutcome.completed[0]).To(Equal(devOutcome.completed[0]))
			Expect(provOutcome.completed[0].Elements).To(Equal(uint8(3)))
			Expect(provOutcome.completed[0].KeyIndex).To(Equal(uint16(1)))
			Expect(provOutcome.states).To(ContainElement(provisioning.StateDataExchanged))
			Expect(prov.State()).To(Equal(provisioning.StateComplete))
			Expect(prov.Node().Selection.Method).To(Equal(oob.MethodNone))

			credentials, err := prov.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(credentials.UnicastAddress).To(Equal(uint16(0x0200)))
		})
	})

	Context("with static OOB", func() {
		staticDevice := func(value []byte) provisioner.DeviceConfig {
			cfg := noOOB()
			cfg.Capabilities.StaticOOBType = oob.StaticOOB
			cfg.StaticOOB = value
			return cfg
		}

		It("authenticates with a shared value", func() {
			prov, _ := run(provisioner.Config{StaticOOB: staticValue(1)}, staticDevice(staticValue(1)))
			Expect(provOutcome.completed).To(HaveLen(1))
			Expect(prov.Node().Selection.Method).To(Equal(oob.MethodStatic))
		})

		It("fails both sides on a mismatch", func() {
			prov, dev := run(provisioner.Config{StaticOOB: staticValue(1)}, staticDevice(staticValue(2)))
			Expect(provOutcome.completed).To(BeEmpty())
			Expect(devOutcome.completed).To(BeEmpty())
			Expect(provOutcome.failed).To(HaveLen(1))
			Expect(devOutcome.failed).To(HaveLen(1))
			Expect(provOutcome.failed[0].Reason).To(Equal(protocol.ReasonConfirmationFailed))
			Expect(devOutcome.failed[0].Reason).To(Equal(protocol.ReasonConfirmationFailed))
			Expect(provOutcome.failed[0].Remote).To(BeTrue())
			Expect(prov.State()).To(Equal(provisioning.StateFailed))
			_, err := dev.Wait(ctx)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("with input OOB", func() {
		It("displays a value on the provisioner that the device user enters", func() {
			device := noOOB()
			device.Capabilities.InputOOBSize = 6
			device.Capabilities.InputOOBActions = oob.InputMask(oob.InputNumeric)
			run(provisioner.Config{}, device)

			Expect(provOutcome.failed).To(BeEmpty())
			Expect(devOutcome.completed).To(HaveLen(1))
			Expect(devOutcome.inputMethod).To(Equal(oob.MethodInput))
		})
	})

	Context("with output OOB", func() {
		It("asks the provisioner's user for the value the device outputs", func() {
			device := noOOB()
			device.Capabilities.OutputOOBSize = 8
			device.Capabilities.OutputOOBActions = oob.OutputMask(oob.OutputAlphanumeric)
			run(provisioner.Config{}, device)

			Expect(provOutcome.completed).To(HaveLen(1))
			Expect(provOutcome.inputMethod).To(Equal(oob.MethodOutput))
		})
	})

	Describe("New", func() {
		DescribeTable("rejects invalid settings",
			func(cfg provisioner.Config) {
				_, err := provisioner.New(cfg)
				Expect(err).To(HaveOccurred())
			},
			Entry("short static OOB", provisioner.Config{StaticOOB: []byte{1, 2, 3}}),
			Entry("negative timeout", provisioner.Config{StepTimeout: -time.Second}),
			Entry("negative session limit", provisioner.Config{MaxSessions: -1}),
			Entry("oversized OOB", provisioner.Config{Policy: oob.Policy{Order: []oob.Method{oob.MethodOutput}, MaxSize: 9}}),
		)
	})

	Describe("StartProvisioning", func() {
		var p *provisioner.Provisioner

		BeforeEach(func() {
			var err error
			p, err = provisioner.New(provisioner.Config{MaxSessions: 1})
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			p.Close()
		})

		DescribeTable("validates the assignment",
			func(modify func(*provisioner.Assignment)) {
				a := assignment()
				modify(&a)
				_, err := p.StartProvisioning(ctx, provBearer, nil, a, provisioner.Callbacks{})
				Expect(err).To(MatchError(provisioning.ErrInvalidData))
				Expect(provBearer.Closed()).To(BeFalse())
			},
			Entry("unassigned address", func(a *provisioner.Assignment) { a.UnicastAddress = 0 }),
			Entry("group address", func(a *provisioner.Assignment) { a.UnicastAddress = 0xc001 }),
			Entry("key index", func(a *provisioner.Assignment) { a.KeyIndex = 0x1000 }),
			Entry("reserved flags", func(a *provisioner.Assignment) { a.Flags = 0x80 }),
		)

		It("limits concurrent sessions and cancels them on Close", func() {
			node := &provisioning.UnprovisionedNode{UUID: uuid.New()}
			h, err := p.StartProvisioning(ctx, provBearer, node, assignment(), provOutcome.callbacks(nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Sessions()).To(ConsistOf(h))
			Eventually(deviceBearer.Receive()).Should(Receive(Equal([]byte{0x00, 0x00})))

			other, _ := memory.NewPipe(0)
			_, err = p.StartProvisioning(ctx, other, nil, assignment(), provisioner.Callbacks{})
			Expect(err).To(MatchError(provisioner.ErrTooManySessions))

			p.Close()
			Expect(h.Done()).To(BeClosed())
			Expect(provOutcome.failed).To(HaveLen(1))
			Expect(provOutcome.failed[0].Reason).To(Equal(protocol.ReasonCancelled))
			Expect(provBearer.Closed()).To(BeTrue())

			_, err = p.StartProvisioning(ctx, other, nil, assignment(), provisioner.Callbacks{})
			Expect(err).To(MatchError(provisioner.ErrClosed))
		})

		It("cancels sessions that start while Close runs", func() {
			p, err := provisioner.New(provisioner.Config{})
			Expect(err).NotTo(HaveOccurred())

			var (
				wg      sync.WaitGroup
				lock    sync.Mutex
				handles []*provisioner.Handle
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					bearer, _ := memory.NewPipe(0)
					h, err := p.StartProvisioning(ctx, bearer, nil, assignment(), provisioner.Callbacks{})
					if err != nil {
						Expect(err).To(MatchError(provisioner.ErrClosed))
						return
					}
					lock.Lock()
					handles = append(handles, h)
					lock.Unlock()
				}()
			}
			closed := make(chan struct{})
			go func() {
				p.Close()
				close(closed)
			}()
			Eventually(closed, time.Second).Should(BeClosed())
			wg.Wait()

			lock.Lock()
			defer lock.Unlock()
			for _, h := range handles {
				Eventually(h.Done(), time.Second).Should(BeClosed())
			}
		})

		It("refuses to provision the same node twice", func() {
			p, err := provisioner.New(provisioner.Config{})
			Expect(err).NotTo(HaveOccurred())
			defer p.Close()
			node := &provisioning.UnprovisionedNode{UUID: uuid.New()}
			_, err = p.StartProvisioning(ctx, provBearer, node, assignment(), provisioner.Callbacks{})
			Expect(err).NotTo(HaveOccurred())
			other, _ := memory.NewPipe(0)
			_, err = p.StartProvisioning(ctx, other, node, assignment(), provisioner.Callbacks{})
			Expect(err).To(MatchError(provisioner.ErrNodeBusy))
		})

		It("reports input errors", func() {
			h, err := p.StartProvisioning(ctx, provBearer, nil, assignment(), provisioner.Callbacks{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.AwaitingInput()).To(BeFalse())
			Expect(h.SupplyOOBAuthValue("123")).To(MatchError(provisioning.ErrNotAwaitingInput))
			h.Cancel()
			_, err = h.Wait(ctx)
			Expect(protocol.ReasonOf(err)).To(Equal(protocol.ReasonCancelled))
		})
	})
})
