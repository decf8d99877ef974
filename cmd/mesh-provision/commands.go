package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshlink/provisioner/internal/log"
	"github.com/meshlink/provisioner/pkg/cache"
	"github.com/meshlink/provisioner/pkg/cli"
	"github.com/meshlink/provisioner/pkg/connector/ble"
	"github.com/meshlink/provisioner/pkg/connector/memory"
	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
	"github.com/meshlink/provisioner/pkg/provisioner"
	"github.com/meshlink/provisioner/pkg/provisioning"
	"github.com/meshlink/provisioner/pkg/trace"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
)

type Argument struct {
	name string
	help string
}

// env is what command handlers operate on.
type env struct {
	config *cli.Config
	out    io.Writer
	// prompt reads one line of user input.
	prompt func(label string) (string, error)
}

type Handler func(ctx context.Context, e *env, args map[string]string) error

type Command struct {
	help           string
	requiresNetKey bool // True if the network key must be loaded before the command runs
	requiresBLE    bool // True if the command uses the Bluetooth adapter
	args           []Argument
	optional       []Argument
	handler        Handler
}

// configureFlags limits c to the options the command uses.
func configureFlags(c *cli.Config, commandName string) error {
	info, ok := commands[commandName]
	if !ok {
		return ErrUnknownCommand
	}
	c.Flags = cli.FlagSettings | cli.FlagDevice | cli.FlagNetKey
	if info.requiresBLE {
		c.Flags |= cli.FlagBLE
	}
	return nil
}

func execute(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}
	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, e, keywords)
	}

	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(e.out, args[0])
	}
	return err
}

func (c *Command) Usage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Fprintf(w, " %s", arg.name)
		maxLength = max(maxLength, len(arg.name))
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " [")
	}
	for _, arg := range c.optional {
		fmt.Fprintf(w, " %s", arg.name)
		maxLength = max(maxLength, len(arg.name))
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " ]")
	}
	fmt.Fprintf(w, "\n%s\n", c.help)
	maxLength++
	for _, arg := range append(c.args, c.optional...) {
		fmt.Fprintf(w, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

var commands = map[string]*Command{
	"scan": {
		help:        "List unprovisioned devices advertising the Mesh Provisioning Service",
		requiresBLE: true,
		optional: []Argument{
			{name: "seconds", help: "Scan duration (default 5)"},
		},
		handler: scan,
	},
	"provision": {
		help:           "Provision the device selected by -uuid, -address or -name over PB-GATT",
		requiresNetKey: true,
		requiresBLE:    true,
		optional: []Argument{
			{name: "uuid", help: "Device UUID; overrides the device selection options"},
			{name: "public-key", help: "File holding the device public key obtained out of band"},
		},
		handler: provision,
	},
	"simulate": {
		help: "Provision an in-process simulated device",
		optional: []Argument{
			{name: "method", help: "Authentication method of the device: none, static, output or input (default none)"},
			{name: "elements", help: "Number of elements of the device (default 1)"},
		},
		handler: simulate,
	},
	"trace": {
		help: "Print the events of a trace file",
		args: []Argument{
			{name: "file", help: "Trace file written with -trace"},
		},
		handler: printTrace,
	},
}

func scan(ctx context.Context, e *env, args map[string]string) error {
	duration := 5 * time.Second
	if s, ok := args["seconds"]; ok {
		seconds, err := strconv.Atoi(s)
		if err != nil || seconds <= 0 {
			return fmt.Errorf("%w: seconds must be a positive integer", ErrCommandLineArgs)
		}
		duration = time.Duration(seconds) * time.Second
	}
	filter, err := e.config.Filter()
	if err != nil && !errors.Is(err, cli.ErrNoDeviceSelected) {
		return err
	}
	adapter, err := e.config.Adapter()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	seen := make(map[string]bool)
	err = adapter.Scan(ctx, func(b *ble.Beacon) bool {
		if seen[b.Address] || !filter.Match(b) {
			return true
		}
		seen[b.Address] = true
		fmt.Fprintf(e.out, "%s\n", b)
		return true
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if len(seen) == 0 {
		fmt.Fprintln(e.out, "No unprovisioned devices found")
	}
	return nil
}

func provision(ctx context.Context, e *env, args map[string]string) error {
	if id, ok := args["uuid"]; ok {
		e.config.DeviceUUID = id
		e.config.DeviceAddress = ""
		e.config.DeviceName = ""
	}
	settings, err := e.claimAddress()
	if err != nil {
		return err
	}
	netKey, err := e.config.NetworkKey()
	if err != nil {
		return err
	}
	p, err := e.config.Provisioner()
	if err != nil {
		return err
	}
	defer p.Close()

	var publicKey []byte
	if file, ok := args["public-key"]; ok {
		if publicKey, err = protocol.LoadPublicKey(file); err != nil {
			return fmt.Errorf("failed to load device public key: %w", err)
		}
	}

	conn, beacon, err := e.config.ConnectLocal(ctx)
	if err != nil {
		return err
	}
	node := &provisioning.UnprovisionedNode{
		UUID:      beacon.UUID,
		OOBInfo:   beacon.OOBInfo,
		PublicKey: publicKey,
	}
	callbacks, inputs := e.callbacks()
	h, err := p.StartProvisioning(ctx, conn, node, settings.Assignment(netKey), callbacks)
	if err != nil {
		conn.Close()
		return err
	}
	credentials, err := e.await(ctx, h, inputs)
	if err != nil {
		return err
	}
	e.report(node, credentials)
	return e.record(node, credentials)
}

// claimAddress moves the unicast address of the next assignment past nodes in the node cache.
func (e *env) claimAddress() (*cli.Settings, error) {
	settings, err := e.config.Settings()
	if err != nil {
		return nil, err
	}
	address, err := e.config.NextUnicastAddress()
	if err != nil {
		return nil, err
	}
	if address != settings.Network.UnicastAddress {
		log.Debug("Skipping cached nodes: unicast address 0x%04x -> 0x%04x", settings.Network.UnicastAddress, address)
		settings.Network.UnicastAddress = address
	}
	return settings, nil
}

// record adds a provisioned node to the node cache and saves the next free unicast address.
func (e *env) record(node *provisioning.UnprovisionedNode, credentials *provisioning.NetworkCredentials) error {
	if err := e.config.RecordNode(cache.NewEntry(node.UUID, credentials, time.Now())); err != nil {
		return fmt.Errorf("failed to record node: %w", err)
	}
	settings, err := e.config.Settings()
	if err != nil {
		return err
	}
	if err := settings.Advance(credentials.Elements); err != nil {
		return err
	}
	if err := e.config.SaveSettings(); err != nil {
		return fmt.Errorf("failed to save next unicast address: %w", err)
	}
	return nil
}

// simulatedDevice returns the configuration of a simulated device using method.
func simulatedDevice(method string, elements uint8, static []byte) (provisioner.DeviceConfig, error) {
	device := provisioner.DeviceConfig{
		UUID: uuid.New(),
		Capabilities: protocol.Capabilities{
			NumElements: elements,
			Algorithms:  oob.AlgorithmFIPSP256,
		},
	}
	switch method {
	case "", "none":
	case "static":
		device.Capabilities.StaticOOBType = oob.StaticOOB
		device.StaticOOB = static
	case "output":
		device.Capabilities.OutputOOBSize = 4
		device.Capabilities.OutputOOBActions = oob.OutputMask(oob.OutputNumeric)
	case "input":
		device.Capabilities.InputOOBSize = 4
		device.Capabilities.InputOOBActions = oob.InputMask(oob.InputNumeric)
	default:
		return device, fmt.Errorf("%w: unknown method '%s'", ErrCommandLineArgs, method)
	}
	return device, nil
}

func simulate(ctx context.Context, e *env, args map[string]string) error {
	elements := uint8(1)
	if s, ok := args["elements"]; ok {
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil || n == 0 {
			return fmt.Errorf("%w: elements must be between 1 and 255", ErrCommandLineArgs)
		}
		elements = uint8(n)
	}
	settings, err := e.claimAddress()
	if err != nil {
		return err
	}
	netKey, err := e.config.NetworkKey()
	if errors.Is(err, cli.ErrNoNetKeySpecified) {
		log.Info("No network key configured, using a random one")
		if _, err := rand.Read(netKey[:]); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	recorder, err := e.config.Recorder()
	if err != nil {
		return err
	}
	cfg, err := settings.ProvisionerConfig(recorder)
	if err != nil {
		return err
	}
	if len(cfg.StaticOOB) == 0 {
		cfg.StaticOOB = make([]byte, oob.AuthValueSize)
		if _, err := rand.Read(cfg.StaticOOB); err != nil {
			return err
		}
	}
	device, err := simulatedDevice(args["method"], elements, cfg.StaticOOB)
	if err != nil {
		return err
	}
	p, err := provisioner.New(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	local, remote := memory.NewPipe(0)
	local.SetName("simulated-device")
	remote.SetName("local-provisioner")

	// The simulated device enters whatever the provisioner displays.
	displayed := make(chan string, 1)
	dh, err := p.StartDevice(ctx, remote, device, provisioner.Callbacks{
		OnDisplay: func(_ *provisioner.Handle, value oob.AuthValue) {
			fmt.Fprintf(e.out, "Device displays: %s\n", value)
		},
		OnInputRequired: func(h *provisioner.Handle, _ oob.Selection) {
			go func() {
				select {
				case text := <-displayed:
					if err := h.SupplyOOBAuthValue(text); err != nil {
						log.Error("Simulated device rejected input: %s", err)
					}
				case <-h.Done():
				}
			}()
		},
	})
	if err != nil {
		local.Close()
		remote.Close()
		return err
	}

	callbacks, inputs := e.callbacks()
	onDisplay := callbacks.OnDisplay
	callbacks.OnDisplay = func(h *provisioner.Handle, value oob.AuthValue) {
		onDisplay(h, value)
		select {
		case displayed <- value.String():
		default:
		}
	}
	node := &provisioning.UnprovisionedNode{UUID: device.UUID}
	h, err := p.StartProvisioning(ctx, local, node, settings.Assignment(netKey), callbacks)
	if err != nil {
		local.Close()
		dh.Cancel()
		return err
	}
	credentials, err := e.await(ctx, h, inputs)
	deviceCredentials, deviceErr := dh.Wait(ctx)
	if err != nil {
		return err
	}
	if deviceErr != nil {
		return fmt.Errorf("simulated device failed: %w", deviceErr)
	}
	if deviceCredentials.DeviceKey != credentials.DeviceKey {
		return errors.New("simulated device derived a different device key")
	}
	e.report(node, credentials)
	return e.record(node, credentials)
}

func printTrace(_ context.Context, e *env, args map[string]string) error {
	events, err := trace.ReadFile(args["file"])
	if err != nil {
		return err
	}
	for _, event := range events {
		fmt.Fprintln(e.out, event)
	}
	return nil
}

// callbacks returns session callbacks that print displayed values and forward input requests.
func (e *env) callbacks() (provisioner.Callbacks, <-chan oob.Selection) {
	inputs := make(chan oob.Selection, 1)
	return provisioner.Callbacks{
		OnDisplay: func(_ *provisioner.Handle, value oob.AuthValue) {
			fmt.Fprintf(e.out, "%s: %s\n", displayInstruction(value.Selection), value)
		},
		OnInputRequired: func(_ *provisioner.Handle, sel oob.Selection) {
			select {
			case inputs <- sel:
			default:
			}
		},
	}, inputs
}

// await prompts for OOB input when requested and returns the outcome of h.
func (e *env) await(ctx context.Context, h *provisioner.Handle, inputs <-chan oob.Selection) (*provisioning.NetworkCredentials, error) {
	done := ctx.Done()
	for {
		select {
		case sel := <-inputs:
			e.readInput(h, sel)
		case <-h.Done():
			return h.Wait(context.Background())
		case <-done:
			h.Cancel()
			done = nil
		}
	}
}

func (e *env) readInput(h *provisioner.Handle, sel oob.Selection) {
	for h.AwaitingInput() {
		text, err := e.prompt(inputInstruction(sel))
		if err != nil {
			writeErr("Failed to read input: %s", err)
			h.Cancel()
			return
		}
		err = h.SupplyOOBAuthValue(text)
		if err == nil {
			return
		}
		writeErr("%s", err)
		if !errors.Is(err, oob.ErrInvalidAuthValue) {
			return
		}
	}
}

func (e *env) report(node *provisioning.UnprovisionedNode, credentials *provisioning.NetworkCredentials) {
	fmt.Fprintf(e.out, "Provisioned %s: %s\n", node, credentials)
	fmt.Fprintf(e.out, "Device key: %x\n", credentials.DeviceKey)
}

func inputInstruction(sel oob.Selection) string {
	switch {
	case sel.Method == oob.MethodStatic:
		return "Enter the static OOB value (32 hex digits)"
	case sel.Counted():
		return fmt.Sprintf("Enter how many times the device performed %s", oob.OutputAction(sel.Action))
	case sel.Alphanumeric():
		return fmt.Sprintf("Enter the text shown by the device (up to %d characters)", sel.Size)
	}
	return fmt.Sprintf("Enter the number shown by the device (up to %d digits)", sel.Size)
}

func displayInstruction(sel oob.Selection) string {
	if sel.Counted() {
		return fmt.Sprintf("Perform %s on the device this many times", oob.InputAction(sel.Action))
	}
	return "Enter this value on the device"
}
