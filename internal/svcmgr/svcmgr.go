// Package svcmgr inspects and removes the helper service registered with
// the OS service manager.
package svcmgr

import "errors"

var (
	ErrUnsupported  = errors.New("svcmgr: unsupported platform")
	ErrNotInstalled = errors.New("svcmgr: service not installed")
)

// Status reports the helper service as the binding exposes it.
type Status struct {
	Installed bool `json:"isInstalled"`
	Running   bool `json:"isRunning"`
}

// Manager is the subset of the OS service manager the controller needs.
type Manager interface {
	Status(name string) (Status, error)
	Delete(name string) error
}
