/*
Package cli facilitates building command-line applications that provision Bluetooth Mesh devices.
It defines a [Config] type that can be used to register common command-line flags (using the Golang
flag package) and environment variable equivalents, and a YAML [Settings] file describing the
network that devices are provisioned into.

The package uses [keyring]'s platform-agnostic interface for storing network keys in an
OS-dependent credential store.

# Examples

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for settings, keyring, device, etc.
	flag.Parse()
	LoadEnvFiles(".env")              // Optional; missing files are skipped
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.LoadCredentials()          // Prompt for Keyring password if needed
	defer config.Close()

	p, err := config.Provisioner()
	conn, beacon, err := config.ConnectLocal(ctx)

A [Flag] mask controls which [Config] fields are populated. Note that config.Flags must be set
before calling [flag.Parse] or [Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagSettings | FlagNetKey) // No device selection or BLE options.
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/meshlink/provisioner/internal/log"
	"github.com/meshlink/provisioner/pkg/cache"
	"github.com/meshlink/provisioner/pkg/connector/ble"
	"github.com/meshlink/provisioner/pkg/provisioner"
	"github.com/meshlink/provisioner/pkg/trace"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvMeshSettingsFile  = "MESH_SETTINGS_FILE"
	EnvMeshNetKeyName    = "MESH_NETKEY_NAME"
	EnvMeshDeviceUUID    = "MESH_DEVICE_UUID"
	EnvMeshDeviceAddress = "MESH_DEVICE_ADDRESS"
	EnvMeshDeviceName    = "MESH_DEVICE_NAME"
	EnvMeshBtAdapter     = "MESH_BT_ADAPTER"
	EnvMeshTraceFile     = "MESH_TRACE_FILE"
	EnvMeshNodeCache     = "MESH_NODE_CACHE"
	EnvMeshLogLevel      = "MESH_LOG_LEVEL"
	EnvMeshKeyringType   = "MESH_KEYRING_TYPE"
	EnvMeshKeyringPass   = "MESH_KEYRING_PASSWORD"
	EnvMeshKeyringPath   = "MESH_KEYRING_PATH"
	EnvMeshKeyringDebug  = "MESH_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagSettings Flag = 1 // Enable settings file, node cache, trace file and log level options.
	FlagNetKey   Flag = 2 // Enable network key and keyring options.
	FlagDevice   Flag = 4 // Enable device selection options.
	FlagBLE      Flag = 8 // Enable BLE options. Requires FlagDevice.
	FlagAll      Flag = FlagSettings | FlagNetKey | FlagDevice | FlagBLE
)

var (
	ErrNoNetKeySpecified = errors.New("network key name not provided")
	ErrNoDeviceSelected  = errors.New("device UUID, address or name required")
	ErrKeyNotFound       = keyring.ErrKeyNotFound
)

// Config fields determine which network and device a command operates on.
type Config struct {
	Flags         Flag // Controls which set of environment variables/CLI flags to use.
	SettingsFile  string
	NetKeyName    string // Name of the network key in the system keyring
	DeviceUUID    string
	DeviceAddress string
	DeviceName    string
	BtAdapterID   string
	TraceFile     string
	CacheFilename string // File recording provisioned nodes
	LogLevel      string
	Backend       keyring.Config
	BackendType   backendType
	Debug         bool // Enable keyring debug messages

	password *string
	settings *Settings
	netKey   *[16]byte
	recorder *trace.FileRecorder
	nodes    *cache.NodeCache
	adapter  ble.Adapter
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

// RegisterCommandLineFlags registers options with the default flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags registers options with fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	if c.Flags.isSet(FlagSettings) {
		fs.StringVar(&c.SettingsFile, "settings", "", "YAML settings `file`. Defaults to $MESH_SETTINGS_FILE.")
		fs.StringVar(&c.CacheFilename, "node-cache", "", "Load and save provisioned nodes in `file`. Defaults to $MESH_NODE_CACHE.")
		fs.StringVar(&c.TraceFile, "trace", "", "Append a PDU trace to `file`. Defaults to $MESH_TRACE_FILE.")
		fs.StringVar(&c.LogLevel, "log-level", "", "Log `level` (none|error|warning|info|debug). Defaults to $MESH_LOG_LEVEL.")
	}
	if c.Flags.isSet(FlagDevice) {
		fs.StringVar(&c.DeviceUUID, "uuid", "", "Device `UUID` to provision. Defaults to $MESH_DEVICE_UUID.")
		fs.StringVar(&c.DeviceAddress, "address", "", "Bluetooth `address` of the device. Defaults to $MESH_DEVICE_ADDRESS.")
		fs.StringVar(&c.DeviceName, "name", "", "Advertised local `name` of the device. Defaults to $MESH_DEVICE_NAME.")
	}
	if c.Flags.isSet(FlagBLE) {
		if !c.Flags.isSet(FlagDevice) {
			log.Debug("FlagBLE is set but FlagDevice is not. A device selection is required to connect.")
		}
		c.registerFlagsOsSpecific(fs)
	}
	if c.Flags.isSet(FlagNetKey) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.StringVar(&c.NetKeyName, "netkey-name", "", "System keyring `name` for the network key. Defaults to $MESH_NETKEY_NAME.")
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $MESH_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// LoadEnvFiles loads environment variables from dotenv files. A leading ~ expands to the home
// directory. Files that do not exist are skipped; variables already set are not overwritten.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			file = strings.Replace(file, "~", home, 1)
		}
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debug("Skipping missing environment file %s", file)
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
		log.Debug("Loaded environment from %s", file)
	}
	return nil
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters.
func (c *Config) ReadFromEnvironment() {
	fromEnv := func(field *string, name, description string) {
		if *field == "" {
			*field = os.Getenv(name)
			log.Debug("Set %s to '%s'", description, *field)
		}
	}
	if c.Flags.isSet(FlagSettings) {
		fromEnv(&c.SettingsFile, EnvMeshSettingsFile, "settings file")
		fromEnv(&c.TraceFile, EnvMeshTraceFile, "trace file")
		fromEnv(&c.CacheFilename, EnvMeshNodeCache, "node cache")
		fromEnv(&c.LogLevel, EnvMeshLogLevel, "log level")
	}
	if c.Flags.isSet(FlagDevice) {
		if c.DeviceUUID == "" && c.DeviceAddress == "" && c.DeviceName == "" {
			fromEnv(&c.DeviceUUID, EnvMeshDeviceUUID, "device UUID")
			fromEnv(&c.DeviceAddress, EnvMeshDeviceAddress, "device address")
			fromEnv(&c.DeviceName, EnvMeshDeviceName, "device name")
		}
	}
	if c.Flags.isSet(FlagBLE) {
		fromEnv(&c.BtAdapterID, EnvMeshBtAdapter, "Bluetooth adapter")
	}
	if c.Flags.isSet(FlagNetKey) {
		fromEnv(&c.NetKeyName, EnvMeshNetKeyName, "network key name")
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvMeshKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvMeshKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvMeshKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvMeshKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
		keyring.Debug = c.Debug
	}
}

// ApplyLogLevel sets the global log level from c, falling back to the settings file.
func (c *Config) ApplyLogLevel() error {
	name := c.LogLevel
	if name == "" && c.settings != nil {
		name = c.settings.LogLevel
	}
	if name == "" {
		return nil
	}
	level, err := log.ParseLevel(name)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// LoadCredentials loads the settings file and, if a network key is configured, opens the keyring,
// prompting for a password if needed. Call this method before connecting to a device to prevent
// interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if _, err := c.Settings(); err != nil {
		return err
	}
	if c.Flags.isSet(FlagNetKey) {
		if _, err := c.NetworkKey(); err != nil {
			return err
		}
	}
	return nil
}

// Settings loads the settings file named by c, or returns DefaultSettings if none is configured.
// The settings are cached after they are first loaded.
func (c *Config) Settings() (*Settings, error) {
	if c.settings != nil {
		return c.settings, nil
	}
	if c.SettingsFile == "" {
		c.settings = DefaultSettings()
		return c.settings, nil
	}
	log.Debug("Loading settings from %s...", c.SettingsFile)
	settings, err := LoadSettings(c.SettingsFile)
	if err != nil {
		return nil, err
	}
	c.settings = settings
	if c.TraceFile == "" {
		c.TraceFile = settings.TraceFile
	}
	return settings, nil
}

// SaveSettings writes the (possibly updated) settings back to the settings file. It does nothing
// if no settings file is configured.
func (c *Config) SaveSettings() error {
	if c.SettingsFile == "" || c.settings == nil {
		return nil
	}
	return c.settings.Save(c.SettingsFile)
}

// NodeCache returns the nodes recorded in c.CacheFilename. A missing file yields an empty cache.
// It returns nil if no cache file is configured.
func (c *Config) NodeCache() (*cache.NodeCache, error) {
	if c.nodes != nil || c.CacheFilename == "" {
		return c.nodes, nil
	}
	nodes, err := cache.ImportFromFile(c.CacheFilename)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug("Node cache %s does not exist yet", c.CacheFilename)
		nodes, err = cache.New(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load node cache: %w", err)
	}
	c.nodes = nodes
	return nodes, nil
}

// NextUnicastAddress returns the address assigned to the next device: the address recorded in the
// settings, moved past any address used by a cached node.
func (c *Config) NextUnicastAddress() (uint16, error) {
	settings, err := c.Settings()
	if err != nil {
		return 0, err
	}
	nodes, err := c.NodeCache()
	if err != nil || nodes == nil {
		return settings.Network.UnicastAddress, err
	}
	return nodes.NextAddress(settings.Network.UnicastAddress, 1)
}

// RecordNode adds a provisioned node to the node cache, if one is configured, and saves it.
func (c *Config) RecordNode(entry cache.Entry) error {
	nodes, err := c.NodeCache()
	if err != nil || nodes == nil {
		return err
	}
	if err := nodes.Update(entry); err != nil {
		return err
	}
	return nodes.ExportToFile(c.CacheFilename)
}

// NetworkKey loads the network key from the system keyring. The key is cached after it is first
// loaded.
func (c *Config) NetworkKey() ([16]byte, error) {
	if c.netKey != nil {
		return *c.netKey, nil
	}
	if !c.Flags.isSet(FlagNetKey) {
		log.Debug("Skipping network key loading because FlagNetKey is not set")
		return [16]byte{}, ErrNoNetKeySpecified
	}
	if _, err := c.Settings(); err != nil {
		return [16]byte{}, err
	}
	key, err := c.LoadNetworkKeyFromKeyring()
	if err != nil {
		return key, err
	}
	c.netKey = &key
	return key, nil
}

// Filter returns the beacon filter selecting the configured device.
func (c *Config) Filter() (ble.Filter, error) {
	var filter ble.Filter
	if c.DeviceUUID == "" && c.DeviceAddress == "" && c.DeviceName == "" {
		return filter, ErrNoDeviceSelected
	}
	if c.DeviceUUID != "" {
		id, err := uuid.Parse(c.DeviceUUID)
		if err != nil {
			return filter, fmt.Errorf("invalid device UUID: %w", err)
		}
		filter.UUID = id
	}
	filter.Address = strings.ToLower(c.DeviceAddress)
	filter.LocalName = c.DeviceName
	return filter, nil
}

// Recorder returns the trace recorder configured by c. The file is opened on first use and closed
// by [Config.Close].
func (c *Config) Recorder() (trace.Recorder, error) {
	if c.recorder != nil {
		return c.recorder, nil
	}
	if c.TraceFile == "" {
		return trace.NoopRecorder{}, nil
	}
	recorder, err := trace.NewFileRecorder(c.TraceFile)
	if err != nil {
		return nil, err
	}
	c.recorder = recorder
	return recorder, nil
}

// Provisioner returns a provisioner configured from the settings file.
func (c *Config) Provisioner() (*provisioner.Provisioner, error) {
	settings, err := c.Settings()
	if err != nil {
		return nil, err
	}
	recorder, err := c.Recorder()
	if err != nil {
		return nil, err
	}
	cfg, err := settings.ProvisionerConfig(recorder)
	if err != nil {
		return nil, err
	}
	return provisioner.New(cfg)
}

// Adapter opens the configured Bluetooth adapter. It is closed by [Config.Close].
func (c *Config) Adapter() (ble.Adapter, error) {
	if c.adapter != nil {
		return c.adapter, nil
	}
	if !c.Flags.isSet(FlagBLE) {
		return nil, fmt.Errorf("BLE options are not enabled")
	}
	adapter, err := ble.NewAdapter(c.BtAdapterID)
	if err != nil {
		return nil, err
	}
	c.adapter = adapter
	return adapter, nil
}

// ConnectLocal scans for the configured device and connects to it over PB-GATT.
func (c *Config) ConnectLocal(ctx context.Context) (*ble.Connection, *ble.Beacon, error) {
	filter, err := c.Filter()
	if err != nil {
		return nil, nil, err
	}
	adapter, err := c.Adapter()
	if err != nil {
		return nil, nil, err
	}
	log.Info("Scanning for %s...", c.describeDevice())
	beacon, err := ble.Scan(ctx, adapter, filter)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Found %s", beacon)
	conn, err := ble.NewConnectionFromBeacon(ctx, beacon, adapter)
	if err != nil {
		return nil, nil, err
	}
	return conn, beacon, nil
}

func (c *Config) describeDevice() string {
	var parts []string
	if c.DeviceUUID != "" {
		parts = append(parts, "uuid="+c.DeviceUUID)
	}
	if c.DeviceAddress != "" {
		parts = append(parts, "address="+c.DeviceAddress)
	}
	if c.DeviceName != "" {
		parts = append(parts, "name="+c.DeviceName)
	}
	return strings.Join(parts, " ")
}

// Close releases the trace file and Bluetooth adapter opened through c.
func (c *Config) Close() error {
	var errs []error
	if c.recorder != nil {
		errs = append(errs, c.recorder.Close())
		c.recorder = nil
	}
	if c.adapter != nil {
		errs = append(errs, c.adapter.Close())
		c.adapter = nil
	}
	return errors.Join(errs...)
}
