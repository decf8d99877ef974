package cache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshlink/provisioner/pkg/provisioning"
)

func testEntry(n int, address uint16, elements uint8) Entry {
	return Entry{
		UUID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(n)}),
		UnicastAddress: address,
		Elements:       elements,
		DeviceKey:      []byte{byte(n)},
		ProvisionedAt:  time.Time{}.Add(time.Duration(n) * time.Second),
	}
}

func generateTestCache(t *testing.T, maxEntries int, entries ...Entry) *NodeCache {
	t.Helper()
	c := New(maxEntries)
	for _, entry := range entries {
		if err := c.Update(entry); err != nil {
			t.Fatalf("failed to add node at 0x%04x: %s", entry.UnicastAddress, err)
		}
	}
	return c
}

func verifyCache(t *testing.T, c *NodeCache, entries ...Entry) {
	t.Helper()
	if len(c.Nodes) != len(entries) {
		t.Errorf("expected %d nodes but cache has %d", len(entries), len(c.Nodes))
	}
	for _, want := range entries {
		got, ok := c.GetEntry(want.UUID)
		if !ok {
			t.Errorf("node cache did not contain %s", want.UUID)
			continue
		}
		if got.UnicastAddress != want.UnicastAddress || got.Elements != want.Elements ||
			!bytes.Equal(got.DeviceKey, want.DeviceKey) || !got.ProvisionedAt.Equal(want.ProvisionedAt) {
			t.Errorf("node cache contained invalid entry for %s", want.UUID)
		}
	}
}

func TestExportImport(t *testing.T) {
	entries := []Entry{testEntry(1, 0x0001, 2), testEntry(2, 0x0003, 1), testEntry(3, 0x0010, 4)}
	c := generateTestCache(t, 0, entries...)

	var buf bytes.Buffer
	if err := c.Export(&buf); err != nil {
		t.Fatal(err)
	}
	imported, err := Import(&buf)
	if err != nil {
		t.Fatal(err)
	}
	verifyCache(t, imported, entries...)
}

func TestImportEmpty(t *testing.T) {
	c, err := Import(bytes.NewBufferString(`{"max_entries": 2}`))
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxEntries != 2 || c.Nodes == nil {
		t.Errorf("unexpected cache %+v", c)
	}
	if err := c.Update(testEntry(1, 1, 1)); err != nil {
		t.Error(err)
	}
	if _, err := Import(bytes.NewBufferString("not json")); err == nil {
		t.Error("expected error for invalid data")
	}
}

func TestFileExportImport(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "nodes.json")
	entries := []Entry{testEntry(1, 0x0001, 2), testEntry(2, 0x0003, 1)}
	c := generateTestCache(t, 0, entries...)
	if err := c.ExportToFile(filename); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filename)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0077 != 0 {
		t.Errorf("node cache is readable by others: %s", info.Mode())
	}

	// Exporting a smaller cache must truncate the file.
	c.Remove(entries[1].UUID)
	if err := c.ExportToFile(filename); err != nil {
		t.Fatal(err)
	}
	imported, err := ImportFromFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	verifyCache(t, imported, entries[0])

	if _, err := ImportFromFile(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestEviction(t *testing.T) {
	entries := []Entry{testEntry(3, 0x0001, 1), testEntry(1, 0x0002, 1), testEntry(2, 0x0003, 1)}
	c := generateTestCache(t, 2, entries...)
	// Entry 1 was provisioned first.
	verifyCache(t, c, entries[0], entries[2])

	newest := testEntry(4, 0x0004, 1)
	if err := c.Update(newest); err != nil {
		t.Fatal(err)
	}
	verifyCache(t, c, entries[0], newest)
}

func TestOverlap(t *testing.T) {
	first := testEntry(1, 0x0010, 4)
	c := generateTestCache(t, 0, first)

	for _, address := range []uint16{0x000d, 0x0010, 0x0013} {
		if err := c.Update(testEntry(2, address, 4)); !errors.Is(err, ErrAddressInUse) {
			t.Errorf("expected ErrAddressInUse at 0x%04x, got %v", address, err)
		}
	}
	if err := c.Update(testEntry(2, 0x000c, 4)); err != nil {
		t.Errorf("adjacent range rejected: %s", err)
	}

	// Re-provisioning a node may reuse its own addresses.
	again := first
	again.UnicastAddress = 0x0011
	again.Elements = 2
	if err := c.Update(again); err != nil {
		t.Errorf("re-provisioned node rejected: %s", err)
	}
	verifyCache(t, c, again, testEntry(2, 0x000c, 4))
}

func TestNextAddress(t *testing.T) {
	c := generateTestCache(t, 0, testEntry(1, 0x0001, 3), testEntry(2, 0x0005, 2), testEntry(3, 0x0008, 1))
	tests := []struct {
		start    uint16
		elements uint8
		want     uint16
	}{
		{0, 1, 0x0004},
		{1, 1, 0x0004},
		{1, 2, 0x0009},
		{5, 1, 0x0007},
		{0x0009, 4, 0x0009},
		{0x0100, 0, 0x0100},
	}
	for _, test := range tests {
		got, err := c.NextAddress(test.start, test.elements)
		if err != nil {
			t.Errorf("NextAddress(0x%04x, %d): %s", test.start, test.elements, err)
		} else if got != test.want {
			t.Errorf("NextAddress(0x%04x, %d) = 0x%04x, expected 0x%04x", test.start, test.elements, got, test.want)
		}
	}

	c = generateTestCache(t, 0, testEntry(1, 0x7ff0, 16))
	if _, err := c.NextAddress(0x7ff0, 1); !errors.Is(err, ErrAddressExhausted) {
		t.Errorf("expected ErrAddressExhausted, got %v", err)
	}
	if _, err := c.NextAddress(0x7fff, 2); !errors.Is(err, ErrAddressExhausted) {
		t.Errorf("expected ErrAddressExhausted, got %v", err)
	}
}

func TestNewEntry(t *testing.T) {
	credentials := &provisioning.NetworkCredentials{Elements: 0}
	credentials.UnicastAddress = 0x0042
	credentials.KeyIndex = 7
	credentials.DeviceKey[0] = 0xaa
	id := uuid.New()
	now := time.Now()
	entry := NewEntry(id, credentials, now)
	if entry.UUID != id || entry.UnicastAddress != 0x0042 || entry.KeyIndex != 7 || !entry.ProvisionedAt.Equal(now) {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Elements != 1 {
		t.Errorf("expected at least one element, got %d", entry.Elements)
	}
	credentials.DeviceKey[0] = 0
	if len(entry.DeviceKey) != 16 || entry.DeviceKey[0] != 0xaa {
		t.Error("entry does not hold a copy of the device key")
	}
}

func ExampleNodeCache() {
	nodes := New(0)
	_ = nodes.Update(Entry{UUID: uuid.New(), UnicastAddress: 0x0001, Elements: 3})
	next, _ := nodes.NextAddress(0x0001, 1)
	fmt.Printf("0x%04x\n", next)
	// Output: 0x0004
}
