// Package provisioner is the caller-facing API for provisioning Bluetooth Mesh devices.
//
// A Provisioner holds settings shared by all sessions. StartProvisioning runs one session over a
// bearer in the background and reports progress through Callbacks; the returned Handle is used
// to supply OOB input, cancel the session or wait for its result.
//
//	p, err := provisioner.New(provisioner.Config{})
//	handle, err := p.StartProvisioning(ctx, bearer, node, assignment, provisioner.Callbacks{
//		OnInputRequired: func(h *provisioner.Handle, sel oob.Selection) {
//			go func() { h.SupplyOOBAuthValue(prompt(sel)) }()
//		},
//	})
//	credentials, err := handle.Wait(ctx)
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meshlink/provisioner/internal/dispatcher"
	"github.com/meshlink/provisioner/internal/log"
	"github.com/meshlink/provisioner/pkg/connector"
	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
	"github.com/meshlink/provisioner/pkg/provisioning"
	"github.com/meshlink/provisioner/pkg/trace"
)

var (
	ErrTooManySessions = errors.New("too many concurrent provisioning sessions")
	ErrNodeBusy        = errors.New("node is already being provisioned")
	ErrClosed          = errors.New("provisioner closed")
)

// Config holds settings shared by all sessions. It is read-only once passed to New.
type Config struct {
	// Policy chooses among the authentication methods a device supports. The zero value selects
	// oob.DefaultPolicy().
	Policy oob.Policy
	// AttentionDuration is the attention timer, in seconds, sent to devices.
	AttentionDuration uint8
	// StaticOOB is the static OOB value used for devices that support it.
	StaticOOB []byte `validate:"omitempty,len=16"`

	StepTimeout  time.Duration `validate:"gte=0"`
	InputTimeout time.Duration `validate:"gte=0"`
	LinkTimeout  time.Duration `validate:"gte=0"`

	// Recorder receives a trace of every session. May be nil.
	Recorder trace.Recorder
	// MaxSessions limits concurrent sessions; zero means no limit.
	MaxSessions int `validate:"gte=0"`
}

// Assignment is what a provisioned node receives.
type Assignment struct {
	NetKey         [16]byte
	KeyIndex       uint16             `validate:"lte=4095"`
	Flags          provisioning.Flags `validate:"lte=3"`
	IVIndex        uint32
	UnicastAddress uint16 `validate:"gte=1,lte=32767"`
}

func (a Assignment) data() *provisioning.ProvisioningData {
	return &provisioning.ProvisioningData{
		NetKey:         a.NetKey,
		KeyIndex:       a.KeyIndex,
		Flags:          a.Flags,
		IVIndex:        a.IVIndex,
		UnicastAddress: a.UnicastAddress,
	}
}

// DeviceConfig describes the local device when running the device role.
type DeviceConfig struct {
	UUID         uuid.UUID
	Capabilities protocol.Capabilities
	StaticOOB    []byte `validate:"omitempty,len=16"`
	// PrivateKey is required if Capabilities advertise an OOB public key.
	PrivateKey protocol.ECDHPrivateKey
}

// Callbacks are invoked from the session goroutine and must not block. Exactly one of OnComplete
// and OnFailed is called per session. Every field may be nil.
type Callbacks struct {
	OnComplete      func(h *Handle, credentials provisioning.NetworkCredentials)
	OnFailed        func(h *Handle, err *protocol.ProvisioningError)
	OnInputRequired func(h *Handle, sel oob.Selection)
	OnDisplay       func(h *Handle, value oob.AuthValue)
	OnStateChange   func(h *Handle, state provisioning.State)
}

// Provisioner starts and tracks provisioning sessions. It is safe for concurrent use.
type Provisioner struct {
	cfg      Config
	validate *validator.Validate

	lock     sync.Mutex
	closed   bool
	sessions map[string]*Handle
}

// New validates cfg and returns a Provisioner.
func New(cfg Config) (*Provisioner, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if len(cfg.Policy.Order) == 0 {
		cfg.Policy = oob.DefaultPolicy()
	}
	if cfg.Policy.MaxSize > oob.MaxSize {
		return nil, fmt.Errorf("validate config: OOB size limit %d exceeds %d", cfg.Policy.MaxSize, oob.MaxSize)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = trace.NoopRecorder{}
	}
	cfg.StaticOOB = append([]byte(nil), cfg.StaticOOB...)
	return &Provisioner{cfg: cfg, validate: validate, sessions: make(map[string]*Handle)}, nil
}

func (p *Provisioner) options() dispatcher.Options {
	return dispatcher.Options{
		Timeouts: dispatcher.Timeouts{
			Step:      p.cfg.StepTimeout,
			UserInput: p.cfg.InputTimeout,
			Link:      p.cfg.LinkTimeout,
		},
		Recorder: p.cfg.Recorder,
	}
}

func (p *Provisioner) staticOOB() []byte {
	if len(p.cfg.StaticOOB) == 0 {
		return nil
	}
	return p.cfg.StaticOOB
}

// StartProvisioning provisions node over bearer. The session owns bearer from then on and closes
// it when the session ends; if an error is returned the caller keeps ownership. ctx bounds the
// whole session.
func (p *Provisioner) StartProvisioning(ctx context.Context, bearer connector.Bearer, node *provisioning.UnprovisionedNode, assignment Assignment, callbacks Callbacks) (*Handle, error) {
	if err := p.validate.Struct(assignment); err != nil {
		return nil, fmt.Errorf("%w: %w", provisioning.ErrInvalidData, err)
	}
	if node == nil {
		node = &provisioning.UnprovisionedNode{}
	}
	machine, err := provisioning.NewMachine(provisioning.RoleProvisioner, node, provisioning.Config{
		Policy:            p.cfg.Policy,
		AttentionDuration: p.cfg.AttentionDuration,
		Data:              assignment.data(),
		StaticValue:       p.staticOOB(),
	})
	if err != nil {
		return nil, err
	}
	return p.start(ctx, bearer, machine, node, callbacks, true)
}

// StartDevice runs the device role over bearer, which is useful for simulation and testing.
func (p *Provisioner) StartDevice(ctx context.Context, bearer connector.Bearer, cfg DeviceConfig, callbacks Callbacks) (*Handle, error) {
	if err := p.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate device config: %w", err)
	}
	caps := cfg.Capabilities
	static := cfg.StaticOOB
	if len(static) == 0 {
		static = nil
	}
	node := &provisioning.UnprovisionedNode{UUID: cfg.UUID}
	machine, err := provisioning.NewMachine(provisioning.RoleDevice, node, provisioning.Config{
		Capabilities: &caps,
		StaticValue:  static,
		PrivateKey:   cfg.PrivateKey,
	})
	if err != nil {
		return nil, err
	}
	return p.start(ctx, bearer, machine, node, callbacks, false)
}

// start registers and launches a session. exclusive sessions refuse a node that another exclusive
// session is provisioning.
func (p *Provisioner) start(ctx context.Context, bearer connector.Bearer, machine *provisioning.Machine, node *provisioning.UnprovisionedNode, callbacks Callbacks, exclusive bool) (*Handle, error) {
	h := &Handle{node: node, owner: p, exclusive: exclusive}
	opts := p.options()
	opts.Events = h.events(callbacks)
	h.d = dispatcher.New(bearer, machine, opts)

	p.lock.Lock()
	if err := p.admit(h); err != nil {
		p.lock.Unlock()
		machine.Close()
		return nil, err
	}
	// Registered sessions are always started, so Close can cancel them.
	if err := h.d.Start(ctx); err != nil {
		p.lock.Unlock()
		machine.Close()
		return nil, err
	}
	p.sessions[h.d.ID()] = h
	p.lock.Unlock()
	log.Info("[%s] Provisioning %s over %s", h.d.ID(), node, bearer.Name())
	go h.report(callbacks)
	return h, nil
}

// admit must be called with p.lock held.
func (p *Provisioner) admit(h *Handle) error {
	if p.closed {
		return ErrClosed
	}
	if p.cfg.MaxSessions > 0 && len(p.sessions) >= p.cfg.MaxSessions {
		return ErrTooManySessions
	}
	if !h.exclusive || h.node.UUID == uuid.Nil {
		return nil
	}
	for _, other := range p.sessions {
		if other.exclusive && other.node.UUID == h.node.UUID {
			return fmt.Errorf("%w: %s", ErrNodeBusy, h.node.UUID)
		}
	}
	return nil
}

func (p *Provisioner) remove(h *Handle) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.sessions, h.d.ID())
}

// Sessions returns the sessions that have not terminated yet.
func (p *Provisioner) Sessions() []*Handle {
	p.lock.Lock()
	defer p.lock.Unlock()
	handles := make([]*Handle, 0, len(p.sessions))
	for _, h := range p.sessions {
		handles = append(handles, h)
	}
	return handles
}

// Close cancels all running sessions and waits for them to terminate. No session can be started
// afterwards.
func (p *Provisioner) Close() {
	p.lock.Lock()
	p.closed = true
	handles := make([]*Handle, 0, len(p.sessions))
	for _, h := range p.sessions {
		handles = append(handles, h)
	}
	p.lock.Unlock()
	for _, h := range handles {
		h.Cancel()
		<-h.Done()
	}
}
