package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertDiscoversAndUpdates(t *testing.T) {
	f := New(nil)

	d, change := f.Upsert("10.0.0.9", " aa:bb:cc:dd:ee:ff ", 80)
	assert.Equal(t, Discovered, change)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.MAC)
	assert.Equal(t, Unmanaged, d.Mode)

	_, change = f.Upsert("10.0.0.9", "aa:bb:cc:dd:ee:ff", 80)
	assert.Equal(t, Unchanged, change)

	d, change = f.Upsert("10.0.0.9", "aa:bb:cc:dd:ee:ff", 75)
	assert.Equal(t, Updated, change)
	assert.Equal(t, 75, d.Battery)
}

func TestUpsertUnknownBatteryKeepsLevel(t *testing.T) {
	f := New(nil)
	f.Upsert("10.0.0.9", "aa", 60)

	d, change := f.Upsert("10.0.0.9", "aa", BatteryUnknown)
	assert.Equal(t, Unchanged, change)
	assert.Equal(t, 60, d.Battery)
}

func TestAddWithoutHeartbeat(t *testing.T) {
	f := New(nil)
	d, change := f.Add("10.0.0.4")
	assert.Equal(t, Discovered, change)
	assert.Equal(t, BatteryUnknown, d.Battery)
}

func TestListOrderedByAddress(t *testing.T) {
	f := New(nil)
	f.Add("10.0.0.3")
	f.Add("10.0.0.1")
	f.Add("10.0.0.2")

	var addrs []string
	for _, d := range f.List() {
		addrs = append(addrs, d.Address)
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, addrs)
}

func TestLastSeenAdvances(t *testing.T) {
	f := New(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	f.Upsert("10.0.0.1", "aa", 10)

	now = now.Add(time.Minute)
	d, _ := f.Upsert("10.0.0.1", "aa", 10)
	assert.Equal(t, now, d.LastSeen)
	assert.Equal(t, now.Add(-time.Minute), d.FirstSeen)
}

func TestLeaseLifecycle(t *testing.T) {
	f := New(nil)
	f.Add("10.0.0.1")
	f.Add("10.0.0.2")

	require.NoError(t, f.reserve("10.0.0.1"))
	assert.True(t, f.Excluded("10.0.0.1"))
	assert.Equal(t, []string{"10.0.0.2"}, f.Monitored())
	_, held := f.Leased()
	assert.False(t, held)
	assert.ErrorIs(t, f.CheckManaged("10.0.0.1"), ErrNotManaged)

	f.commit("10.0.0.1")
	addr, held := f.Leased()
	assert.True(t, held)
	assert.Equal(t, "10.0.0.1", addr)
	d, _ := f.Get("10.0.0.1")
	assert.Equal(t, Managed, d.Mode)

	assert.ErrorIs(t, f.reserve("10.0.0.2"), ErrAlreadyLeased)
	assert.ErrorIs(t, f.release("10.0.0.2"), ErrNotManaged)

	require.NoError(t, f.release("10.0.0.1"))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, f.Monitored())
	d, _ = f.Get("10.0.0.1")
	assert.Equal(t, Unmanaged, d.Mode)
}

func TestReserveUnknown(t *testing.T) {
	assert.ErrorIs(t, New(nil).reserve("10.9.9.9"), ErrUnknownDevice)
}

func TestAbandonClearsPending(t *testing.T) {
	f := New(nil)
	f.Add("10.0.0.1")
	require.NoError(t, f.reserve("10.0.0.1"))
	f.abandon("10.0.0.1")

	assert.False(t, f.Excluded("10.0.0.1"))
	assert.NoError(t, f.reserve("10.0.0.1"))
}

func TestParseBattery(t *testing.T) {
	assert.Equal(t, 57, ParseBattery(" 57 "))
	assert.Equal(t, 0, ParseBattery("n/a"))
	assert.Equal(t, 0, ParseBattery(""))
	assert.Equal(t, 0, ParseBattery("-4"))
	assert.Equal(t, 100, ParseBattery("140"))
}
