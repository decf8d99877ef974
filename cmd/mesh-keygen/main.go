// Utility for generating and storing network keys and static device keys

package main

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshlink/provisioner/internal/log"
	"github.com/meshlink/provisioner/pkg/cli"
	"github.com/meshlink/provisioner/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Manages the network key used to provision devices and the key pairs of devices that publish their
public key out of band.

  create    Generate a network key and save it in the system keyring. An existing key is kept
            unless invoked with -f.
  import    Read a network key (32 hex digits) from the terminal and save it in the keyring.
  export    Print the network key as hex.
  delete    Remove the network key from the keyring.
  device    Generate a device key pair, write the private key to -device-key and print the
            64-byte public key as hex followed by a PEM public key.
  public    Print the 64-byte public key of the key file given by -device-key.

The type of keyring and name of the key inside that keyring are controlled by the command-line
options below, or through the corresponding environment variables.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...] create|import|export|delete|device|public\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

// printPublicKey writes the provisioning encoding of publicKey followed by a PKIX PEM block.
func printPublicKey(w io.Writer, publicKey []byte) error {
	pkey, err := ecdh.P256().NewPublicKey(append([]byte{0x04}, publicKey...))
	if err != nil {
		return err
	}
	derPublicKey, err := x509.MarshalPKIXPublicKey(pkey)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%x\n", publicKey)
	return pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: derPublicKey})
}

func parseNetworkKey(text string) ([16]byte, error) {
	var key [16]byte
	decoded, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return key, err
	}
	if len(decoded) != len(key) {
		return key, fmt.Errorf("network key must be %d bytes", len(key))
	}
	copy(key[:], decoded)
	return key, nil
}

func createDeviceKey(filename string, overwrite bool) (protocol.ECDHPrivateKey, error) {
	if filename == "" {
		return nil, errors.New("must provide a key file (-device-key)")
	}
	if !overwrite {
		if _, err := os.Stat(filename); err == nil {
			return nil, fmt.Errorf("%s exists; run with -f to replace it", filename)
		}
	}
	skey, err := protocol.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := protocol.SavePrivateKey(skey, filename); err != nil {
		return nil, err
	}
	return skey, nil
}

func main() {
	// Command-line variables
	var (
		overwrite bool
		deviceKey string
		key       [16]byte
		err       error
	)
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagSettings | cli.FlagNetKey)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.RegisterCommandLineFlags()
	flag.Usage = cliUsage
	flag.BoolVar(&overwrite, "f", false, "Overwrite existing key if it exists")
	flag.StringVar(&deviceKey, "device-key", "", "Device private key `file` (PEM)")
	flag.Parse()
	if config.Debug {
		log.SetLevel(log.LevelDebug)
	}
	if err := cli.LoadEnvFiles(".env"); err != nil {
		writeErr("Error loading environment: %s", err)
		return
	}
	config.ReadFromEnvironment()

	if flag.NArg() != 1 {
		usage(os.Stderr)
		return
	}
	if _, err := config.Settings(); err != nil {
		writeErr("Error loading settings: %s", err)
		return
	}

	switch flag.Arg(0) {
	case "create":
		if !overwrite {
			if _, err = config.NetworkKey(); err == nil {
				fmt.Println("Network key exists. Run with -f to generate a new key.")
				status = 0
				return
			}
			if !errors.Is(err, cli.ErrKeyNotFound) {
				writeErr("Failed to load network key: %s", err)
				return
			}
		}
		if _, err = rand.Read(key[:]); err != nil {
			writeErr("Failed to generate network key: %s", err)
			return
		}
	case "import":
		var text string
		if text, err = cli.ReadSecret("Network key (hex)"); err == nil {
			key, err = parseNetworkKey(text)
		}
		if err != nil {
			writeErr("Invalid network key: %s", err)
			return
		}
	case "export":
		if key, err = config.NetworkKey(); err != nil {
			writeErr("Failed to export network key: %s", err)
			return
		}
		fmt.Printf("%x\n", key)
		status = 0
		return
	case "delete":
		if err := config.DeleteNetworkKey(); err != nil {
			writeErr("Failed to delete key: %s", err)
		} else {
			status = 0
		}
		return
	case "device":
		skey, err := createDeviceKey(deviceKey, overwrite)
		if err != nil {
			writeErr("Failed to create device key: %s", err)
			return
		}
		if err := printPublicKey(os.Stdout, skey.PublicBytes()); err != nil {
			writeErr("Failed to encode public key: %s", err)
			return
		}
		status = 0
		return
	case "public":
		if deviceKey == "" {
			writeErr("Must provide a key file (-device-key)")
			return
		}
		publicKey, err := protocol.LoadPublicKey(deviceKey)
		if err != nil {
			writeErr("Failed to load public key: %s", err)
			return
		}
		if err := printPublicKey(os.Stdout, publicKey); err != nil {
			writeErr("Failed to encode public key: %s", err)
			return
		}
		status = 0
		return
	default:
		writeErr("Unrecognized command-line argument.")
		writeErr("")
		usage(os.Stderr)
		return
	}

	if err = config.SaveNetworkKey(key); err != nil {
		writeErr("Failed to save key to keyring: %s", err)
		return
	}
	fmt.Println("Saved network key.")
	status = 0
}
