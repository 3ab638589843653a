package backend

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aristath/qloop/internal/domain"
)

// Distribution is an immutable bitstring → count histogram from one execution
// (or a merge of several). Every bitstring has the same width and the counts
// sum to Shots(), which is always positive.
type Distribution struct {
	counts map[string]int
	shots  int
	width  int
}

// NewDistribution validates counts and returns a distribution holding a copy.
// Zero-count entries are dropped. An empty or all-zero histogram is a
// DegenerateDistributionError; malformed bitstrings are a ConfigurationError.
func NewDistribution(counts map[string]int) (*Distribution, error) {
	d := &Distribution{counts: make(map[string]int, len(counts)), width: -1}
	for bits, count := range counts {
		if count < 0 {
			return nil, domain.NewConfigurationError("negative count %d for %q", count, bits)
		}
		if err := checkBitstring(bits); err != nil {
			return nil, err
		}
		if d.width == -1 {
			d.width = len(bits)
		} else if len(bits) != d.width {
			return nil, domain.NewConfigurationError("bitstring %q has width %d, expected %d", bits, len(bits), d.width)
		}
		if count == 0 {
			continue
		}
		d.counts[bits] = count
		d.shots += count
	}
	if d.shots == 0 {
		return nil, &domain.DegenerateDistributionError{Reason: "distribution has zero total shots"}
	}
	return d, nil
}

func checkBitstring(bits string) error {
	if bits == "" {
		return domain.NewConfigurationError("empty bitstring")
	}
	for _, r := range bits {
		if r != '0' && r != '1' {
			return domain.NewConfigurationError("bitstring %q contains %q", bits, r)
		}
	}
	return nil
}

// Shots returns the total number of recorded shots.
func (d *Distribution) Shots() int {
	return d.shots
}

// Width returns the number of classical bits per outcome.
func (d *Distribution) Width() int {
	return d.width
}

// Count returns how many shots produced bits.
func (d *Distribution) Count(bits string) int {
	return d.counts[bits]
}

// Probability returns the empirical probability of bits. It is only defined
// for a non-degenerate distribution, which NewDistribution guarantees.
func (d *Distribution) Probability(bits string) float64 {
	return float64(d.counts[bits]) / float64(d.shots)
}

// Counts returns a copy of the histogram.
func (d *Distribution) Counts() map[string]int {
	out := make(map[string]int, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Bitstrings returns the observed outcomes in lexicographic order.
func (d *Distribution) Bitstrings() []string {
	out := make([]string, 0, len(d.counts))
	for k := range d.counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MostLikely returns the outcome with the highest count; ties go to the
// lexicographically smallest bitstring.
func (d *Distribution) MostLikely() string {
	best, bestCount := "", -1
	for _, bits := range d.Bitstrings() {
		if c := d.counts[bits]; c > bestCount {
			best, bestCount = bits, c
		}
	}
	return best
}

// Equal reports whether two distributions hold identical counts.
func (d *Distribution) Equal(other *Distribution) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.shots != other.shots || d.width != other.width || len(d.counts) != len(other.counts) {
		return false
	}
	for k, v := range d.counts {
		if other.counts[k] != v {
			return false
		}
	}
	return true
}

// Merge sums counts pointwise across distributions. The sum is commutative and
// associative, so the result does not depend on argument order.
func Merge(dists ...*Distribution) (*Distribution, error) {
	if len(dists) == 0 {
		return nil, &domain.DegenerateDistributionError{Reason: "nothing to merge"}
	}
	merged := make(map[string]int)
	width := -1
	for i, d := range dists {
		if d == nil {
			return nil, domain.NewConfigurationError("distribution %d is nil", i)
		}
		if width == -1 {
			width = d.width
		} else if d.width != width {
			return nil, domain.NewConfigurationError("cannot merge width %d into width %d", d.width, width)
		}
		for k, v := range d.counts {
			merged[k] += v
		}
	}
	return NewDistribution(merged)
}

// distributionJSON is the wire form of a Distribution.
type distributionJSON struct {
	Counts map[string]int `json:"counts" msgpack:"counts"`
	Shots  int            `json:"shots" msgpack:"shots"`
}

// MarshalJSON encodes the counts and shot total.
func (d *Distribution) MarshalJSON() ([]byte, error) {
	return json.Marshal(distributionJSON{Counts: d.counts, Shots: d.shots})
}

// UnmarshalJSON decodes and re-validates a distribution.
func (d *Distribution) UnmarshalJSON(data []byte) error {
	var wire distributionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parsed, err := NewDistribution(wire.Counts)
	if err != nil {
		return err
	}
	if wire.Shots != 0 && wire.Shots != parsed.shots {
		return domain.NewConfigurationError("declared %d shots but counts sum to %d", wire.Shots, parsed.shots)
	}
	*d = *parsed
	return nil
}

// String renders the histogram in sorted order.
func (d *Distribution) String() string {
	s := "{"
	for i, bits := range d.Bitstrings() {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%d", bits, d.counts[bits])
	}
	return s + "}"
}
