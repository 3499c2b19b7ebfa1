//go:build !linux && !darwin && !windows

package tun

import "net/netip"

const defaultName = "tun2r"

type unsupportedPlatform struct{}

// Native returns the platform for the running OS.
func Native() Platform {
	return unsupportedPlatform{}
}

func (unsupportedPlatform) Open(Config) (Device, error) { return nil, ErrUnsupported }

func (unsupportedPlatform) AddRoute(Route) error { return ErrUnsupported }

func (unsupportedPlatform) DeleteRoute(Route) error { return ErrUnsupported }

func (unsupportedPlatform) SetDNS(string, []netip.Addr) error { return ErrUnsupported }

func (unsupportedPlatform) FlushDNS() error { return ErrUnsupported }
