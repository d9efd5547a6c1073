package hw

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/metrics"
)

// DefaultMaxInterfaces bounds per-interface probing.
const DefaultMaxInterfaces = 4

// Prober creates devices for a decode library. Probe returns an error when
// the host cannot provide the type at that index.
type Prober interface {
	Types() []DeviceType
	Probe(t DeviceType, index Index) (*Device, error)
}

// Interface is the set of devices found on one physical interface.
type Interface struct {
	Index   Index     `json:"index"`
	Devices []*Device `json:"devices"`
}

// Pool holds only devices that were successfully created. It is immutable
// once built.
type Pool struct {
	global     []*Device
	interfaces []Interface
}

// NewPool probes global types, then indexable types for indices 0, 1, ...
// stopping at the first index with no device or at maxInterfaces.
func NewPool(p Prober, maxInterfaces int, log logger.Logger) *Pool {
	if maxInterfaces <= 0 {
		maxInterfaces = DefaultMaxInterfaces
	}

	var global, indexed []DeviceType
	for _, t := range p.Types() {
		if t.Indexable() {
			indexed = append(indexed, t)
		} else {
			global = append(global, t)
		}
	}

	pl := &Pool{global: probeAll(p, global, Global, log)}
	if len(indexed) == 0 {
		return pl
	}

	for i := 0; i < maxInterfaces; i++ {
		devices := probeAll(p, indexed, Index(i), log)
		if len(devices) == 0 {
			break
		}
		pl.interfaces = append(pl.interfaces, Interface{Index: Index(i), Devices: devices})
	}
	return pl
}

// probeAll creates every type in parallel and drops the ones that fail.
func probeAll(p Prober, types []DeviceType, index Index, log logger.Logger) []*Device {
	if len(types) == 0 {
		return nil
	}

	order := make(map[DeviceType]int, len(types))
	workers := pool.NewWithResults[*Device]().WithErrors()
	for i, t := range types {
		order[t] = i
		t := t
		workers.Go(func() (d *Device, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("probe %s panicked: %v", t, r)
				}
			}()
			d, err = p.Probe(t, index)
			if err == nil && d == nil {
				err = fmt.Errorf("probe %s returned no device", t)
			}
			return d, err
		})
	}

	// unsupported types are expected, so errors only reach debug output
	devices, err := workers.Wait()
	if err != nil {
		log.WithField("index", index.String()).Debugf("Hardware probe skipped types: %v", err)
	}

	sort.SliceStable(devices, func(a, b int) bool {
		return order[devices[a].Type] < order[devices[b].Type]
	})
	return devices
}

// First returns the first device of type t, searching global devices and
// then each interface in index order.
func (p *Pool) First(t DeviceType) (*Device, bool) {
	for _, d := range p.global {
		if d.Type == t {
			return d, true
		}
	}
	for _, iface := range p.interfaces {
		for _, d := range iface.Devices {
			if d.Type == t {
				return d, true
			}
		}
	}
	return nil, false
}

// FirstOf returns the first available device among types, in preference
// order.
func (p *Pool) FirstOf(types ...DeviceType) (*Device, bool) {
	for _, t := range types {
		if d, ok := p.First(t); ok {
			return d, true
		}
	}
	return nil, false
}

func (p *Pool) Global() []*Device {
	return p.global
}

func (p *Pool) Interfaces() []Interface {
	return p.interfaces
}

// Types lists each available device type once.
func (p *Pool) Types() []DeviceType {
	seen := make(map[DeviceType]bool)
	var out []DeviceType
	add := func(d *Device) {
		if !seen[d.Type] {
			seen[d.Type] = true
			out = append(out, d.Type)
		}
	}
	for _, d := range p.global {
		add(d)
	}
	for _, iface := range p.interfaces {
		for _, d := range iface.Devices {
			add(d)
		}
	}
	return out
}

func (p *Pool) counts() map[DeviceType]int {
	n := make(map[DeviceType]int)
	for _, d := range p.global {
		n[d.Type]++
	}
	for _, iface := range p.interfaces {
		for _, d := range iface.Devices {
			n[d.Type]++
		}
	}
	return n
}

// Lazy builds its pool on first use and hands the same pool to every
// caller afterwards.
type Lazy struct {
	prober        Prober
	maxInterfaces int
	log           logger.Logger

	once sync.Once
	pool *Pool
}

func NewLazy(p Prober, maxInterfaces int, log logger.Logger) *Lazy {
	return &Lazy{prober: p, maxInterfaces: maxInterfaces, log: logger.WithComponent(log, "hw")}
}

func (l *Lazy) Pool() *Pool {
	l.once.Do(func() {
		l.pool = NewPool(l.prober, l.maxInterfaces, l.log)
		for t, n := range l.pool.counts() {
			metrics.SetHWDevicesAvailable(string(t), n)
		}
		l.log.WithField("types", l.pool.Types()).Info("Hardware device pool ready")
	})
	return l.pool
}
