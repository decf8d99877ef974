package main

import (
	"bytes"
	"encoding/hex"
	"encoding/pem"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meshlink/provisioner/pkg/protocol"
)

func TestParseNetworkKey(t *testing.T) {
	key, err := parseNetworkKey(" 7dd7364cd842ad18c17c2b820c84c3d6\n")
	if err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(key[:]) != "7dd7364cd842ad18c17c2b820c84c3d6" {
		t.Errorf("unexpected key %x", key)
	}
	for _, bad := range []string{"", "7dd7", "zzd7364cd842ad18c17c2b820c84c3d6", "7dd7364cd842ad18c17c2b820c84c3d600"} {
		if _, err := parseNetworkKey(bad); err == nil {
			t.Errorf("expected error for '%s'", bad)
		}
	}
}

func TestCreateDeviceKey(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "device.pem")
	if _, err := createDeviceKey("", false); err == nil {
		t.Error("expected error without a file name")
	}
	skey, err := createDeviceKey(filename, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := createDeviceKey(filename, false); err == nil {
		t.Error("existing key file was overwritten")
	}

	publicKey, err := protocol.LoadPublicKey(filename)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(publicKey, skey.PublicBytes()) {
		t.Error("public key of the saved file does not match")
	}

	var out bytes.Buffer
	if err := printPublicKey(&out, publicKey); err != nil {
		t.Fatal(err)
	}
	first, rest, _ := strings.Cut(out.String(), "\n")
	if first != hex.EncodeToString(publicKey) {
		t.Errorf("unexpected first line %s", first)
	}
	if block, _ := pem.Decode([]byte(rest)); block == nil || block.Type != "PUBLIC KEY" {
		t.Error("expected a PEM public key")
	}

	if _, err := createDeviceKey(filename, true); err != nil {
		t.Errorf("overwrite failed: %s", err)
	}
}
