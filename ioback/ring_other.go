//go:build !linux

package ioback

import "github.com/ldziedziul/tpcengine/tpcerr"

// newRingBackend reports an IllegalState construction error on every
// non-Linux OS, per spec §4.8a: the ring back-end is a Linux-only driver.
func newRingBackend() (Backend, error) {
	return nil, &tpcerr.IllegalState{
		Component: "ioback.ring",
		Message:   "ring I/O backend requires Linux (io_uring)",
	}
}
