package app

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Profiler records wall clock durations of named build stages. It is safe
// for use by the loader worker while the main loop reads the stats.
type Profiler struct {
	mu     sync.Mutex
	scopes map[string]time.Duration
	starts map[string]time.Time
	counts map[string]int
	order  []string
	now    func() time.Time
}

func NewProfiler() *Profiler {
	return &Profiler{
		scopes: make(map[string]time.Duration),
		starts: make(map[string]time.Time),
		counts: make(map[string]int),
		now:    time.Now,
	}
}

func (p *Profiler) BeginScope(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts[name] = p.now()
	// Keep first-seen order for display
	if _, ok := p.scopes[name]; !ok {
		p.scopes[name] = 0
		p.order = append(p.order, name)
	}
}

// EndScope stores and returns the time since the matching BeginScope. It
// returns 0 when the scope was never started.
func (p *Profiler) EndScope(name string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	start, ok := p.starts[name]
	if !ok {
		return 0
	}
	delete(p.starts, name)
	d := p.now().Sub(start)
	p.scopes[name] = d
	return d
}

// Scope times fn under name.
func (p *Profiler) Scope(name string, fn func() error) (time.Duration, error) {
	p.BeginScope(name)
	err := fn()
	return p.EndScope(name), err
}

func (p *Profiler) Duration(name string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scopes[name]
}

func (p *Profiler) SetCount(name string, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[name] = count
}

func (p *Profiler) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[name]
}

// Reset zeroes the timings and counts but keeps the display order.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.scopes {
		p.scopes[k] = 0
	}
	clear(p.counts)
	clear(p.starts)
}

func (p *Profiler) GetStatsString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sb strings.Builder

	sb.WriteString("Timings (CPU):\n")
	for _, name := range p.order {
		ms := float64(p.scopes[name].Microseconds()) / 1000.0
		sb.WriteString(fmt.Sprintf("  %-15s: %.2f ms\n", name, ms))
	}

	sb.WriteString("\nStats:\n")
	keys := make([]string, 0, len(p.counts))
	for k := range p.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("  %-15s: %d\n", k, p.counts[k]))
	}

	return sb.String()
}
