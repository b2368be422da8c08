// Package fleet tracks known sensors and arbitrates exclusive control of
// them. The registry and the control lease share one lock so that "is this
// address leased" is always observed consistently with device state.
package fleet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/high-horse/fingerprint-fleet/internal/metrics"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotManaged    = errors.New("device not in manage mode")
	ErrAlreadyLeased = errors.New("another device is already managed")
)

// BatteryUnknown marks a device that has not sent a heartbeat yet.
const BatteryUnknown = -1

type Mode uint8

const (
	Unmanaged Mode = iota
	Managed
)

func (m Mode) String() string {
	if m == Managed {
		return "managed"
	}
	return "unmanaged"
}

type Device struct {
	Address   string
	MAC       string
	Battery   int
	Mode      Mode
	FirstSeen time.Time
	LastSeen  time.Time
}

// Change describes what an upsert did.
type Change uint8

const (
	Unchanged Change = iota
	Discovered
	Updated
)

type leaseState uint8

const (
	leaseNone leaseState = iota
	// leasePending covers the MANAGE exchange: the address is already
	// withheld from monitoring but not yet Managed.
	leasePending
	leaseHeld
)

// Fleet is the device registry plus the single control lease.
type Fleet struct {
	mu      sync.RWMutex
	devices *treemap.Map // address -> *Device
	leased  string
	lease   leaseState

	metrics *metrics.Metrics
	now     func() time.Time
}

func New(m *metrics.Metrics) *Fleet {
	return &Fleet{
		devices: treemap.NewWithStringComparator(),
		metrics: m,
		now:     time.Now,
	}
}

// Upsert records a heartbeat. Both the status server and broadcast
// discovery feed it; battery BatteryUnknown leaves a known level untouched.
func (f *Fleet) Upsert(addr, mac string, battery int) (Device, Change) {
	addr = strings.TrimSpace(addr)
	mac = strings.ToUpper(strings.TrimSpace(mac))
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.devices.Get(addr); ok {
		d := v.(*Device)
		change := Unchanged
		if battery != BatteryUnknown && d.Battery != battery {
			d.Battery = battery
			change = Updated
		}
		if mac != "" && d.MAC != mac {
			d.MAC = mac
			change = Updated
		}
		d.LastSeen = now
		return *d, change
	}

	d := &Device{
		Address:   addr,
		MAC:       mac,
		Battery:   battery,
		Mode:      Unmanaged,
		FirstSeen: now,
		LastSeen:  now,
	}
	f.devices.Put(addr, d)
	f.metrics.SetDevices(f.devices.Size())
	return *d, Discovered
}

// Add registers an address by hand, without a heartbeat.
func (f *Fleet) Add(addr string) (Device, Change) {
	return f.Upsert(addr, "", BatteryUnknown)
}

func (f *Fleet) Get(addr string) (Device, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.devices.Get(addr)
	if !ok {
		return Device{}, false
	}
	return *v.(*Device), true
}

// List returns every device ordered by address.
func (f *Fleet) List() []Device {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Device, 0, f.devices.Size())
	for _, v := range f.devices.Values() {
		out = append(out, *v.(*Device))
	}
	return out
}

// Monitored returns the addresses eligible for continuous monitoring: every
// device except one that is leased or being leased.
func (f *Fleet) Monitored() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, f.devices.Size())
	for _, k := range f.devices.Keys() {
		addr := k.(string)
		if f.lease != leaseNone && addr == f.leased {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Excluded reports whether addr is leased or being leased.
func (f *Fleet) Excluded(addr string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lease != leaseNone && f.leased == addr
}

// Leased returns the address under a held lease.
func (f *Fleet) Leased() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lease != leaseHeld {
		return "", false
	}
	return f.leased, true
}

// CheckManaged fails with ErrNotManaged unless addr holds the lease.
func (f *Fleet) CheckManaged(addr string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lease != leaseHeld || f.leased != addr {
		return ErrNotManaged
	}
	return nil
}

func (f *Fleet) reserve(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices.Get(addr); !ok {
		return ErrUnknownDevice
	}
	if f.lease != leaseNone {
		return fmt.Errorf("%w: %s", ErrAlreadyLeased, f.leased)
	}
	f.leased = addr
	f.lease = leasePending
	return nil
}

func (f *Fleet) commit(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lease != leasePending || f.leased != addr {
		return
	}
	f.lease = leaseHeld
	if v, ok := f.devices.Get(addr); ok {
		v.(*Device).Mode = Managed
	}
	f.metrics.SetLeaseHeld(true)
}

func (f *Fleet) abandon(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lease == leasePending && f.leased == addr {
		f.leased = ""
		f.lease = leaseNone
	}
}

func (f *Fleet) release(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lease != leaseHeld || f.leased != addr {
		return ErrNotManaged
	}
	f.leased = ""
	f.lease = leaseNone
	if v, ok := f.devices.Get(addr); ok {
		v.(*Device).Mode = Unmanaged
	}
	f.metrics.SetLeaseHeld(false)
	return nil
}

// ParseBattery coerces a heartbeat battery field to 0..100. Anything that is
// not an integer reads as 0.
func ParseBattery(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
