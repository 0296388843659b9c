package relay

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/CamRelay/internal/debug"
	"github.com/cjeanneret/CamRelay/internal/hw/gpio"
)

// Relay drives a single relay module from one GPIO output pin.
//
// Most cheap relay boards for the Raspberry Pi are active LOW:
// - IN: LOW energizes the coil (relay ON)
// - IN: HIGH releases it (relay OFF)
// ActiveLow selects that wiring; otherwise HIGH means ON.
type Relay struct {
	gpio      gpio.Driver
	pin       int
	activeLow bool

	mu sync.Mutex
	on bool
}

// New configures pin as an output and drives it to the initial state.
func New(g gpio.Driver, pin int, activeLow, initialOn bool) (*Relay, error) {
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("relay: setup pin %d: %w", pin, err)
	}
	r := &Relay{
		gpio:      g,
		pin:       pin,
		activeLow: activeLow,
	}
	if err := r.Set(initialOn); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Relay) level(on bool) gpio.Level {
	if r.activeLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}

// Set switches the relay. Setting the current state again is harmless.
func (r *Relay) Set(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(on)
}

func (r *Relay) set(on bool) error {
	debug.Verbose("Relay: pin %d -> %v (active low: %v)", r.pin, r.level(on), r.activeLow)
	if err := r.gpio.WritePin(r.pin, r.level(on)); err != nil {
		return fmt.Errorf("relay: write pin %d: %w", r.pin, err)
	}
	r.on = on
	debug.Relay(r.pin, on)
	return nil
}

// Toggle inverts the relay and returns the new state.
func (r *Relay) Toggle() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.set(!r.on); err != nil {
		return r.on, err
	}
	return r.on, nil
}

// On reports the last state successfully written.
func (r *Relay) On() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

// Release drives the relay OFF, used at shutdown.
func (r *Relay) Release() error {
	return r.Set(false)
}
