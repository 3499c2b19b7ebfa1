package service

import (
	"context"
	"time"

	"tun2r/internal/errcode"
)

// Binding is the flat, integer-coded surface exposed to script bindings.
// Every method is safe to call from any thread; failures are also
// recorded for GetLastErrorMessage.
type Binding struct {
	c *Controller
}

func NewBinding(c *Controller) *Binding {
	return &Binding{c: c}
}

func code(err error) int {
	return int(errcode.CodeOf(err))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (b *Binding) StartTun2R(encryptedConfig string) int {
	return code(b.c.Start(context.Background(), encryptedConfig))
}

// StartTun2RWithConfigFile reads the default config file when path is
// empty.
func (b *Binding) StartTun2RWithConfigFile(path string) int {
	return code(b.c.StartConfigFile(context.Background(), path))
}

func (b *Binding) StopTun2R() int {
	return code(b.c.Stop())
}

func (b *Binding) IsServiceRunning() int {
	return boolInt(b.c.IsRunning())
}

func (b *Binding) GetSDKVersion() string {
	return b.c.Version()
}

func (b *Binding) GetLastErrorMessage() string {
	return b.c.LastErrorMessage()
}

func (b *Binding) GetTrafficStats() (txBytes, rxBytes, txPkts, rxPkts uint64) {
	s := b.c.TrafficSnapshot()
	return s.TxBytes, s.RxBytes, s.TxPkts, s.RxPkts
}

// GetLastPingStats reports -1 for legs not measured yet.
func (b *Binding) GetLastPingStats() (router, takeoff, landing int64) {
	s := b.c.PingSample()
	return s.RouterMs, s.TakeoffMs, s.LandingMs
}

// RunPing starts probing, restarting it if already running. Intervals
// under 100ms are raised to 100ms.
func (b *Binding) RunPing(intervalMs int) int {
	_, err := b.c.StartProbe(time.Duration(intervalMs) * time.Millisecond)
	return code(err)
}

func (b *Binding) StopPing() int {
	b.c.StopProbe()
	return int(errcode.Success)
}

func (b *Binding) FlushDNSCache() int {
	return code(b.c.FlushDNSCache())
}

// GetConsoleConfig returns the interface state code followed by its
// addressing.
func (b *Binding) GetConsoleConfig() (state int, gateway, mask, ip, dns string) {
	s := b.c.NetworkConfig()
	return int(s.State), s.Gateway, s.Mask, s.IP, s.DNS
}

// GetDeviceID returns an empty string when the host id is unavailable.
func (b *Binding) GetDeviceID() string {
	id, err := b.c.DeviceID()
	if err != nil {
		b.c.record(errcode.New(errcode.KindInterface, "device id", err))
		return ""
	}
	return id
}

func (b *Binding) DeleteService() int {
	return code(b.c.DeleteService())
}
