package transport

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"
)

// DelayKind selects the dispatch delay distribution of a profile.
type DelayKind int

const (
	DelayNone DelayKind = iota
	DelayUniform
	DelayExponential
)

// Delay describes a randomized dispatch delay. Uniform delays are drawn from
// [Min, Max]; exponential delays have mean Mean and are capped at Max.
type Delay struct {
	Kind DelayKind
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// Profile is a traffic shape: the cell size classes envelopes are padded to
// and the delay applied before each envelope is written.
type Profile struct {
	Name  string
	Cells []int
	Delay Delay
}

// HelloCellSize is fixed for every profile; a hello carries a KEM ciphertext
// that does not fit the small size classes.
const HelloCellSize = 1400

var profiles = map[string]Profile{
	"none": {
		Name:  "none",
		Cells: []int{1400},
	},
	"web_browsing": {
		Name:  "web_browsing",
		Cells: []int{256, 512, 1024, 1400},
		Delay: Delay{Kind: DelayExponential, Mean: 15 * time.Millisecond, Max: 60 * time.Millisecond},
	},
	"video_streaming": {
		Name:  "video_streaming",
		Cells: []int{1400},
		Delay: Delay{Kind: DelayUniform, Min: time.Millisecond, Max: 5 * time.Millisecond},
	},
	"voice_call": {
		Name:  "voice_call",
		Cells: []int{256},
		Delay: Delay{Kind: DelayUniform, Min: 18 * time.Millisecond, Max: 22 * time.Millisecond},
	},
	"file_download": {
		Name:  "file_download",
		Cells: []int{1400},
		Delay: Delay{Kind: DelayUniform, Max: 2 * time.Millisecond},
	},
	"gaming": {
		Name:  "gaming",
		Cells: []int{256, 512},
		Delay: Delay{Kind: DelayUniform, Max: 4 * time.Millisecond},
	},
}

// ProfileByName returns a built-in profile.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("transport: unknown shaping profile %q", name)
	}
	return p, nil
}

// ProfileNames lists the built-in profiles in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SampleDelay draws one dispatch delay.
func (p Profile) SampleDelay() time.Duration {
	d := p.Delay
	switch d.Kind {
	case DelayUniform:
		if d.Max <= d.Min {
			return d.Min
		}
		return d.Min + time.Duration(rand.Int64N(int64(d.Max-d.Min)+1))
	case DelayExponential:
		v := time.Duration(rand.ExpFloat64() * float64(d.Mean))
		if d.Max > 0 && v > d.Max {
			v = d.Max
		}
		return v
	default:
		return 0
	}
}

func (p Profile) maxCell() int { return p.Cells[len(p.Cells)-1] }

// fragmentCapacity is how many envelope bytes one cell of the given size
// carries.
func fragmentCapacity(cellSize int) int {
	return cellSize - cellHeaderSize - cellOverhead - fragmentHeaderSize
}

// sizeClass picks the padded envelope size for an envelope of n bytes: the
// smallest single cell that fits, or a whole number of the largest cells.
// It returns the target size and the cell size to use.
func (p Profile) sizeClass(n int) (target, cellSize int) {
	for _, c := range p.Cells {
		if capacity := fragmentCapacity(c); n <= capacity {
			return capacity, c
		}
	}
	c := p.maxCell()
	capacity := fragmentCapacity(c)
	shards := int(math.Ceil(float64(n) / float64(capacity)))
	return shards * capacity, c
}

func validProfile(p Profile) error {
	if len(p.Cells) == 0 {
		return fmt.Errorf("transport: profile %q has no cell sizes", p.Name)
	}
	for i, c := range p.Cells {
		if fragmentCapacity(c) <= 0 || c > HelloCellSize {
			return fmt.Errorf("transport: profile %q cell size %d out of range", p.Name, c)
		}
		if i > 0 && c <= p.Cells[i-1] {
			return fmt.Errorf("transport: profile %q cell sizes must ascend", p.Name)
		}
	}
	return nil
}
