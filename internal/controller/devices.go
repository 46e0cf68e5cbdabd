package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// clientDevices stands in for media the browser holds. The client reports
// which devices the student granted; acquiring one takes a lease, and
// closing the lease tells the client to stop that track.
type clientDevices struct {
	mu      sync.Mutex
	granted map[proctor.Device]bool
	release func(proctor.Device)
}

func newClientDevices(release func(proctor.Device)) *clientDevices {
	return &clientDevices{granted: make(map[proctor.Device]bool), release: release}
}

// grant replaces the set of granted devices.
func (d *clientDevices) grant(devs []proctor.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.granted = make(map[proctor.Device]bool, len(devs))
	for _, dev := range devs {
		d.granted[dev] = true
	}
}

func (d *clientDevices) Acquire(_ context.Context, dev proctor.Device) (proctor.Stream, error) {
	d.mu.Lock()
	ok := d.granted[dev]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s not granted by client", dev)
	}
	return &lease{device: dev, release: d.release}, nil
}

type lease struct {
	once    sync.Once
	device  proctor.Device
	release func(proctor.Device)
}

func (l *lease) Close() error {
	l.once.Do(func() {
		if l.release != nil {
			l.release(l.device)
		}
	})
	return nil
}
