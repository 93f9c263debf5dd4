package internal

import (
	"os"
)

// OsProxy defines the subset of os package functions used to access content on disk.
// Add more methods as you need them.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (*os.File, error)
	Remove(name string) error
	RemoveAll(path string) error
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }      //nolint:revive
func (RealOS) Open(name string) (*os.File, error)    { return os.Open(name) }      //nolint:revive
func (RealOS) Remove(name string) error              { return os.Remove(name) }    //nolint:revive
func (RealOS) RemoveAll(path string) error           { return os.RemoveAll(path) } //nolint:revive
