// Package status supplies short human-readable progress lines shown while
// the model is generating. Purely cosmetic.
package status

import (
	"math/rand"
	"sync"
)

var defaultLines = []string{
	"Thinking it over",
	"Putting words together",
	"Listening closely",
	"Working on a reply",
	"Almost there",
}

// Picker hands out progress lines, avoiding an immediate repeat.
type Picker struct {
	mu    sync.Mutex
	lines []string
	rng   *rand.Rand
	last  int
}

// NewPicker builds a picker over the given lines, falling back to the
// built-in set when none are supplied.
func NewPicker(lines []string, seed int64) *Picker {
	if len(lines) == 0 {
		lines = defaultLines
	}
	return &Picker{
		lines: lines,
		rng:   rand.New(rand.NewSource(seed)),
		last:  -1,
	}
}

// Pick returns one line. Consecutive calls never return the same line
// twice in a row when more than one is available.
func (p *Picker) Pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.lines) == 1 {
		return p.lines[0]
	}
	i := p.rng.Intn(len(p.lines))
	if i == p.last {
		i = (i + 1) % len(p.lines)
	}
	p.last = i
	return p.lines[i]
}
