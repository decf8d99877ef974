package cli

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/provisioner"
	"github.com/meshlink/provisioner/pkg/provisioning"
	"github.com/meshlink/provisioner/pkg/trace"
)

// Settings is the YAML settings file shared by the command-line tools. ${VAR} references are
// expanded from the environment before the file is parsed.
//
//	network:
//	  key_name: home
//	  key_index: 0
//	  iv_index: 0
//	  unicast_address: 0x0010
//	policy:
//	  order: [static, output, input, none]
//	  max_size: 6
//	timeouts:
//	  step: 60s
//	  input: 5m
//	static_oob: ${MESH_STATIC_OOB}
type Settings struct {
	Network     NetworkSettings `yaml:"network"`
	Policy      PolicySettings  `yaml:"policy"`
	Timeouts    TimeoutSettings `yaml:"timeouts"`
	Attention   uint8           `yaml:"attention"`
	StaticOOB   string          `yaml:"static_oob,omitempty" validate:"omitempty,hexadecimal,len=32"`
	MaxSessions int             `yaml:"max_sessions" validate:"gte=0"`
	LogLevel    string          `yaml:"log_level,omitempty" validate:"omitempty,oneof=none error warning warn info debug"`
	TraceFile   string          `yaml:"trace_file,omitempty"`
}

// NetworkSettings describe the network nodes are provisioned into. UnicastAddress is the next
// free address.
type NetworkSettings struct {
	KeyName        string `yaml:"key_name,omitempty"`
	KeyIndex       uint16 `yaml:"key_index" validate:"lte=4095"`
	IVIndex        uint32 `yaml:"iv_index"`
	KeyRefresh     bool   `yaml:"key_refresh"`
	IVUpdate       bool   `yaml:"iv_update"`
	UnicastAddress uint16 `yaml:"unicast_address" validate:"gte=1,lte=32767"`
}

type PolicySettings struct {
	Order         []string `yaml:"order,omitempty" validate:"dive,oneof=none static output input"`
	OutputActions []string `yaml:"output_actions,omitempty" validate:"dive,oneof=blink beep vibrate numeric alphanumeric"`
	InputActions  []string `yaml:"input_actions,omitempty" validate:"dive,oneof=push twist numeric alphanumeric"`
	MaxSize       uint8    `yaml:"max_size" validate:"lte=8"`
}

type TimeoutSettings struct {
	Step  time.Duration `yaml:"step,omitempty" validate:"gte=0"`
	Input time.Duration `yaml:"input,omitempty" validate:"gte=0"`
	Link  time.Duration `yaml:"link,omitempty" validate:"gte=0"`
}

var (
	methodsByName = map[string]oob.Method{
		"none":   oob.MethodNone,
		"static": oob.MethodStatic,
		"output": oob.MethodOutput,
		"input":  oob.MethodInput,
	}
	outputActionsByName = map[string]oob.OutputAction{
		"blink":        oob.Blink,
		"beep":         oob.Beep,
		"vibrate":      oob.Vibrate,
		"numeric":      oob.OutputNumeric,
		"alphanumeric": oob.OutputAlphanumeric,
	}
	inputActionsByName = map[string]oob.InputAction{
		"push":         oob.Push,
		"twist":        oob.Twist,
		"numeric":      oob.InputNumeric,
		"alphanumeric": oob.InputAlphanumeric,
	}
)

// DefaultSettings returns the settings used when no settings file is configured.
func DefaultSettings() *Settings {
	return &Settings{
		Network:   NetworkSettings{UnicastAddress: 0x0001},
		Attention: 5,
	}
}

// LoadSettings reads and validates a settings file. Fields absent from the file keep the values
// of DefaultSettings.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings parses and validates the contents of a settings file.
func ParseSettings(data []byte) (*Settings, error) {
	settings := DefaultSettings()
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	decoder.KnownFields(true)
	if err := decoder.Decode(settings); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal settings file: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Settings) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("validate settings: %w", err)
	}
	return nil
}

// Save writes s to path. Environment references of the original file are not preserved.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// OOBPolicy converts the policy section. Empty lists select the defaults of oob.DefaultPolicy.
func (s *Settings) OOBPolicy() (oob.Policy, error) {
	policy := oob.DefaultPolicy()
	if len(s.Policy.Order) > 0 {
		policy.Order = nil
		for _, name := range s.Policy.Order {
			method, ok := methodsByName[name]
			if !ok {
				return oob.Policy{}, fmt.Errorf("unknown OOB method '%s'", name)
			}
			policy.Order = append(policy.Order, method)
		}
	}
	if len(s.Policy.OutputActions) > 0 {
		policy.OutputActions = nil
		for _, name := range s.Policy.OutputActions {
			action, ok := outputActionsByName[name]
			if !ok {
				return oob.Policy{}, fmt.Errorf("unknown output action '%s'", name)
			}
			policy.OutputActions = append(policy.OutputActions, action)
		}
	}
	if len(s.Policy.InputActions) > 0 {
		policy.InputActions = nil
		for _, name := range s.Policy.InputActions {
			action, ok := inputActionsByName[name]
			if !ok {
				return oob.Policy{}, fmt.Errorf("unknown input action '%s'", name)
			}
			policy.InputActions = append(policy.InputActions, action)
		}
	}
	policy.MaxSize = s.Policy.MaxSize
	return policy, nil
}

// StaticOOBValue decodes the static OOB value, or returns nil if none is configured.
func (s *Settings) StaticOOBValue() ([]byte, error) {
	if s.StaticOOB == "" {
		return nil, nil
	}
	value, err := hex.DecodeString(s.StaticOOB)
	if err != nil {
		return nil, fmt.Errorf("invalid static OOB value: %w", err)
	}
	return value, nil
}

// ProvisionerConfig returns the provisioner configuration described by s.
func (s *Settings) ProvisionerConfig(recorder trace.Recorder) (provisioner.Config, error) {
	policy, err := s.OOBPolicy()
	if err != nil {
		return provisioner.Config{}, err
	}
	static, err := s.StaticOOBValue()
	if err != nil {
		return provisioner.Config{}, err
	}
	return provisioner.Config{
		Policy:            policy,
		AttentionDuration: s.Attention,
		StaticOOB:         static,
		StepTimeout:       s.Timeouts.Step,
		InputTimeout:      s.Timeouts.Input,
		LinkTimeout:       s.Timeouts.Link,
		Recorder:          recorder,
		MaxSessions:       s.MaxSessions,
	}, nil
}

// Assignment returns what the next provisioned node receives.
func (s *Settings) Assignment(netKey [16]byte) provisioner.Assignment {
	var flags provisioning.Flags
	if s.Network.KeyRefresh {
		flags |= provisioning.FlagKeyRefresh
	}
	if s.Network.IVUpdate {
		flags |= provisioning.FlagIVUpdate
	}
	return provisioner.Assignment{
		NetKey:         netKey,
		KeyIndex:       s.Network.KeyIndex,
		Flags:          flags,
		IVIndex:        s.Network.IVIndex,
		UnicastAddress: s.Network.UnicastAddress,
	}
}

// Advance moves the next free unicast address past a node that occupies elements addresses.
func (s *Settings) Advance(elements uint8) error {
	if elements == 0 {
		elements = 1
	}
	next := uint32(s.Network.UnicastAddress) + uint32(elements)
	if next > 0x7fff {
		return fmt.Errorf("unicast address space exhausted")
	}
	s.Network.UnicastAddress = uint16(next)
	return nil
}
