package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName   = "org.meshlink.provisioner"
	keyringNetKeyService = "networkKey"
	keyringDirectory     = "~/.mesh_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

// terminal returns a terminal to prompt on, preferring stdout.
func terminal() (io.Writer, error) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return os.Stdout, nil
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return os.Stderr, nil
	}
	return nil, fmt.Errorf("no terminal output available for prompt")
}

// ReadSecret prompts for a value without echoing it. It fails if the process has no terminal.
func ReadSecret(prompt string) (string, error) {
	w, err := terminal()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}
	password, err := ReadSecret(prompt)
	if err != nil {
		return "", err
	}
	c.password = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	return keyring.Open(c.Backend)
}

func (c *Config) netKeyName() string {
	if c.NetKeyName != "" {
		return c.NetKeyName
	}
	if c.settings != nil {
		return c.settings.Network.KeyName
	}
	return ""
}

func (c *Config) fullNetKeyName() string {
	return keyringNetKeyService + "." + c.netKeyName()
}

// LoadNetworkKeyFromKeyring reads the network key named by c from the system keyring.
func (c *Config) LoadNetworkKeyFromKeyring() ([16]byte, error) {
	var key [16]byte
	if c.netKeyName() == "" {
		return key, ErrNoNetKeySpecified
	}
	kr, err := c.openKeyring()
	if err != nil {
		return key, err
	}
	item, err := kr.Get(c.fullNetKeyName())
	if err != nil {
		return key, fmt.Errorf("could not load network key: %w", err)
	}
	if len(item.Data) != len(key) {
		return key, fmt.Errorf("invalid network key")
	}
	copy(key[:], item.Data)
	return key, nil
}

// SaveNetworkKey writes key to the system keyring under the name configured in c.
func (c *Config) SaveNetworkKey(key [16]byte) error {
	if c.netKeyName() == "" {
		return ErrNoNetKeySpecified
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:  c.fullNetKeyName(),
		Data: key[:],
	}); err != nil {
		return fmt.Errorf("failed to enroll network key in keyring: %w", err)
	}
	c.netKey = &key
	return nil
}

// DeleteNetworkKey removes the network key from the system keyring.
func (c *Config) DeleteNetworkKey() error {
	if c.netKeyName() == "" {
		return ErrNoNetKeySpecified
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	c.netKey = nil
	return kr.Remove(c.fullNetKeyName())
}
