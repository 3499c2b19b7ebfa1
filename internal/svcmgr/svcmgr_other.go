//go:build !windows

package svcmgr

type unsupported struct{}

func Native() Manager { return unsupported{} }

func (unsupported) Status(string) (Status, error) { return Status{}, ErrUnsupported }

func (unsupported) Delete(string) error { return ErrUnsupported }
