package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingLifecycle(t *testing.T) {
	h := newHarness(t)
	b := NewBinding(h.c)

	assert.Equal(t, "1.5.5", b.GetSDKVersion())
	assert.Equal(t, "No error", b.GetLastErrorMessage())
	assert.Equal(t, 0, b.IsServiceRunning())

	state, gw, _, _, _ := b.GetConsoleConfig()
	assert.Equal(t, 2, state)
	assert.Empty(t, gw)

	router, takeoff, landing := b.GetLastPingStats()
	assert.Equal(t, []int64{-1, -1, -1}, []int64{router, takeoff, landing})

	assert.Equal(t, -1, b.RunPing(100))
	assert.Equal(t, 0, b.StopPing())

	assert.Equal(t, 0, b.StartTun2R(sealed(t, switchConfig())))
	assert.Equal(t, 1, b.IsServiceRunning())
	assert.Equal(t, -3, b.StartTun2R(sealed(t, switchConfig())))

	state, gw, mask, ip, dns := b.GetConsoleConfig()
	assert.Equal(t, 0, state)
	assert.Equal(t, "10.8.0.1", gw)
	assert.Equal(t, "255.255.255.0", mask)
	assert.Equal(t, "10.8.0.2", ip)
	assert.Equal(t, "1.1.1.1", dns)

	assert.Equal(t, 0, b.RunPing(50))
	require.Eventually(t, func() bool {
		_, takeoff, _ := b.GetLastPingStats()
		return takeoff >= 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.StopPing())

	tx, rx, txp, rxp := b.GetTrafficStats()
	assert.Equal(t, []uint64{0, 0, 0, 0}, []uint64{tx, rx, txp, rxp})

	assert.Equal(t, 0, b.FlushDNSCache())
	assert.Equal(t, 0, b.StopTun2R())
	assert.Equal(t, -1, b.StopTun2R())
	assert.NotEqual(t, "No error", b.GetLastErrorMessage())
}

func TestBindingErrorCodes(t *testing.T) {
	h := newHarness(t)
	b := NewBinding(h.c)

	assert.Equal(t, -1, b.StartTun2R(""))
	assert.Equal(t, -2, b.StartTun2R("%%%"))
	assert.Equal(t, -4, b.StartTun2RWithConfigFile(t.TempDir()+"/missing"))
	assert.Equal(t, 0, b.DeleteService())
}
