package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshlink/provisioner/pkg/provisioning"
)

const maxUnicastAddress = 0x7fff

var (
	ErrAddressInUse     = errors.New("unicast address range overlaps another node")
	ErrAddressExhausted = errors.New("no free unicast address range")
)

// Entry describes one provisioned node.
type Entry struct {
	UUID           uuid.UUID `json:"uuid"`
	UnicastAddress uint16    `json:"unicast_address"`
	Elements       uint8     `json:"elements"`
	KeyIndex       uint16    `json:"key_index"`
	DeviceKey      []byte    `json:"device_key"`
	ProvisionedAt  time.Time `json:"provisioned_at"`
}

// NewEntry returns the entry for a node that was provisioned with credentials.
func NewEntry(id uuid.UUID, credentials *provisioning.NetworkCredentials, now time.Time) Entry {
	return Entry{
		UUID:           id,
		UnicastAddress: credentials.UnicastAddress,
		Elements:       max(credentials.Elements, 1),
		KeyIndex:       credentials.KeyIndex,
		DeviceKey:      append([]byte{}, credentials.DeviceKey[:]...),
		ProvisionedAt:  now,
	}
}

// last returns the last unicast address occupied by e.
func (e *Entry) last() uint32 {
	return uint32(e.UnicastAddress) + uint32(max(e.Elements, 1)) - 1
}

func (e *Entry) overlaps(first, last uint32) bool {
	return uint32(e.UnicastAddress) <= last && first <= e.last()
}

type NodeCache struct {
	MaxEntries int              `json:"max_entries"`
	Nodes      map[string]Entry `json:"nodes"`
	lock       sync.Mutex
}

// New returns a NodeCache that holds up to maxEntries nodes. When the cache is full, the node that
// was provisioned first is evicted.
//
// Set maxEntries to zero for an unbounded cache.
func New(maxEntries int) *NodeCache {
	return &NodeCache{
		MaxEntries: maxEntries,
		Nodes:      make(map[string]Entry),
	}
}

// Import a NodeCache using data in r.
// The data should previously have been generated using [NodeCache.Export].
func Import(r io.Reader) (*NodeCache, error) {
	var cache NodeCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Nodes == nil {
		cache.Nodes = make(map[string]Entry)
	}
	return &cache, nil
}

// ImportFromFile reads a NodeCache from disk.
func ImportFromFile(filename string) (*NodeCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized NodeCache to w.
func (c *NodeCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(c)
}

// ExportToFile writes a NodeCache to disk. The file is only readable by its owner.
func (c *NodeCache) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := c.Export(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Update records entry, replacing an earlier entry of the same node. It fails if the addresses of
// entry overlap those of another node.
func (c *NodeCache) Update(entry Entry) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	key := entry.UUID.String()
	for id, other := range c.Nodes {
		if id != key && other.overlaps(uint32(entry.UnicastAddress), entry.last()) {
			return fmt.Errorf("%w: 0x%04x is used by %s", ErrAddressInUse, entry.UnicastAddress, id)
		}
	}
	c.Nodes[key] = entry
	if c.MaxEntries > 0 && len(c.Nodes) > c.MaxEntries {
		oldest := key
		oldestTime := entry.ProvisionedAt
		for id, other := range c.Nodes {
			if other.ProvisionedAt.Before(oldestTime) {
				oldest = id
				oldestTime = other.ProvisionedAt
			}
		}
		delete(c.Nodes, oldest)
	}
	return nil
}

// GetEntry returns the entry of the node with the given UUID.
func (c *NodeCache) GetEntry(id uuid.UUID) (Entry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.Nodes[id.String()]
	return entry, ok
}

// Remove forgets a node, for example after it was reset.
func (c *NodeCache) Remove(id uuid.UUID) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.Nodes, id.String())
}

// NextAddress returns the lowest address not below start where elements consecutive addresses are
// unused.
func (c *NodeCache) NextAddress(start uint16, elements uint8) (uint16, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	count := uint32(max(elements, 1))
	first := uint32(max(start, 1))
	for first+count-1 <= maxUnicastAddress {
		last := first + count - 1
		conflict := false
		for _, entry := range c.Nodes {
			if entry.overlaps(first, last) {
				// Continue right after the conflicting node.
				first = entry.last() + 1
				conflict = true
				break
			}
		}
		if !conflict {
			return uint16(first), nil
		}
	}
	return 0, ErrAddressExhausted
}
