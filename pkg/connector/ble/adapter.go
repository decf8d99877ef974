package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goble "github.com/go-ble/ble"

	"github.com/meshlink/provisioner/internal/log"
)

var ErrAdapterInvalidID = errors.New("ble: the bluetooth adapter ID is invalid")

var provisioningService = goble.UUID16(ProvisioningServiceUUID)

var (
	hostDevice goble.Device
	hostLock   sync.Mutex
)

// NewAdapter opens the host Bluetooth controller. id selects a controller where the platform
// supports it (for example "hci1" on Linux); an empty id selects the default one. The controller
// is shared by all adapters of the process.
func NewAdapter(id string) (Adapter, error) {
	hostLock.Lock()
	defer hostLock.Unlock()
	if hostDevice != nil {
		log.Debug("Reusing existing BLE device")
		return &adapter{}, nil
	}
	log.Debug("Creating new BLE adapter")
	device, err := newDevice(id)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enable device: %w", err)
	}
	hostDevice = device
	return &adapter{}, nil
}

type adapter struct{}

func host() (goble.Device, error) {
	hostLock.Lock()
	defer hostLock.Unlock()
	if hostDevice == nil {
		return nil, errors.New("ble: adapter closed")
	}
	return hostDevice, nil
}

func (a *adapter) Scan(ctx context.Context, found func(*Beacon) bool) error {
	device, err := host()
	if err != nil {
		return err
	}
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lock sync.Mutex
	stopped := false
	handler := func(adv goble.Advertisement) {
		beacon, ok := advertisementToBeacon(adv)
		if !ok {
			return
		}
		lock.Lock()
		defer lock.Unlock()
		if stopped {
			return
		}
		if !found(beacon) {
			stopped = true
			cancel()
		}
	}

	err = device.Scan(scanCtx, false, handler)
	lock.Lock()
	defer lock.Unlock()
	if stopped {
		return nil
	}
	// Darwin returns an error from Scan whenever the context ends.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (a *adapter) Connect(ctx context.Context, beacon *Beacon) (Device, error) {
	device, err := host()
	if err != nil {
		return nil, err
	}
	log.Debug("Dialing %s...", beacon.Address)
	client, err := device.Dial(ctx, goble.NewAddr(beacon.Address))
	if err != nil {
		return nil, fmt.Errorf("ble: failed to dial %s: %w", beacon.Address, err)
	}
	return &gattDevice{client: client}, nil
}

// Close unsets the host controller so that a new one can be created by the next NewAdapter call.
// Existing connections are not closed.
func (a *adapter) Close() error {
	hostLock.Lock()
	defer hostLock.Unlock()
	if hostDevice == nil {
		return nil
	}
	device := hostDevice
	hostDevice = nil
	if err := device.Stop(); err != nil {
		return fmt.Errorf("ble: failed to stop device: %w", err)
	}
	log.Debug("Closed BLE adapter")
	return nil
}

func advertisementToBeacon(adv goble.Advertisement) (*Beacon, bool) {
	for _, data := range adv.ServiceData() {
		if !data.UUID.Equal(provisioningService) {
			continue
		}
		id, oobInfo, err := ParseServiceData(data.Data)
		if err != nil {
			log.Debug("Ignoring advertisement from %s: %s", adv.Addr(), err)
			return nil, false
		}
		return &Beacon{
			Address:     adv.Addr().String(),
			LocalName:   adv.LocalName(),
			RSSI:        int16(adv.RSSI()),
			Connectable: adv.Connectable(),
			UUID:        id,
			OOBInfo:     oobInfo,
		}, true
	}
	return nil, false
}

type gattDevice struct {
	client goble.Client
}

func (d *gattDevice) Service(_ context.Context, uuid uint16) (Service, error) {
	services, err := d.client.DiscoverServices([]goble.UUID{goble.UUID16(uuid)})
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enumerate device services: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("ble: device has no service 0x%04x", uuid)
	}
	return &gattService{client: d.client, service: services[0]}, nil
}

func (d *gattDevice) Disconnected() <-chan struct{} {
	return d.client.Disconnected()
}

func (d *gattDevice) Close() error {
	err1 := d.client.ClearSubscriptions()
	err2 := d.client.CancelConnection()
	return errors.Join(err1, err2)
}

type gattService struct {
	client  goble.Client
	service *goble.Service
}

func (s *gattService) Rx(uuid uint16, callback func(buf []byte)) error {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return err
	}
	if err := s.client.Subscribe(characteristic, false, callback); err != nil {
		return fmt.Errorf("ble: failed to subscribe to 0x%04x: %w", uuid, err)
	}
	return nil
}

func (s *gattService) Tx(uuid uint16) (Writer, error) {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return nil, err
	}
	return &gattWriter{characteristic: characteristic, client: s.client}, nil
}

func (s *gattService) discover(uuid uint16) (*goble.Characteristic, error) {
	id := goble.UUID16(uuid)
	characteristics, err := s.client.DiscoverCharacteristics([]goble.UUID{id}, s.service)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to discover service characteristics: %w", err)
	}
	for _, characteristic := range characteristics {
		if !characteristic.UUID.Equal(id) {
			continue
		}
		if _, err := s.client.DiscoverDescriptors(nil, characteristic); err != nil {
			return nil, fmt.Errorf("ble: couldn't fetch descriptors: %w", err)
		}
		return characteristic, nil
	}
	return nil, fmt.Errorf("ble: characteristic 0x%04x not found", uuid)
}

type gattWriter struct {
	characteristic *goble.Characteristic
	client         goble.Client
}

// Write sends one proxy PDU. Data In is written without response.
func (w *gattWriter) Write(p []byte) (int, error) {
	if err := w.client.WriteCharacteristic(w.characteristic, p, true); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *gattWriter) MTU(rxMTU int) (int, error) {
	return w.client.ExchangeMTU(rxMTU)
}
