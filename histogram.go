package tcspc

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Histogram accumulates per-channel delay-time histograms. Counts saturate at
// math.MaxUint32 instead of wrapping; saturated increments are counted.
type Histogram struct {
	nchan     int
	nbins     int
	counts    []uint32 // nchan rows of nbins, row-major
	saturated uint64
	warned    bool
	sync.RWMutex
}

// NewHistogram allocates a zeroed grid of nchan channels by nbins delay-time bins.
func NewHistogram(nchan, nbins int) (*Histogram, error) {
	if nchan <= 0 || nbins <= 0 {
		return nil, fmt.Errorf("histogram needs positive size, got %d channels x %d bins", nchan, nbins)
	}
	return &Histogram{
		nchan:  nchan,
		nbins:  nbins,
		counts: make([]uint32, nchan*nbins),
	}, nil
}

// Nchan returns the number of channels.
func (h *Histogram) Nchan() int {
	return h.nchan
}

// Nbins returns the number of delay-time bins per channel.
func (h *Histogram) Nbins() int {
	return h.nbins
}

// Increment adds one count to channel (1-based) at bin dtime. A channel or
// dtime outside the grid is a programming error and panics.
func (h *Histogram) Increment(channel, dtime uint32) {
	h.Lock()
	defer h.Unlock()
	h.increment(channel, dtime)
}

func (h *Histogram) increment(channel, dtime uint32) {
	if channel < 1 || int(channel) > h.nchan || int(dtime) >= h.nbins {
		panic(fmt.Sprintf("histogram increment out of range: channel %d (have 1..%d), dtime %d (have %d bins)",
			channel, h.nchan, dtime, h.nbins))
	}
	idx := int(channel-1)*h.nbins + int(dtime)
	if h.counts[idx] == math.MaxUint32 {
		h.saturated++
		if !h.warned {
			h.warned = true
			ProblemLogger.Printf("histogram channel %d bin %d saturated at %d counts; further counts are lost",
				channel, dtime, uint32(math.MaxUint32))
		}
		return
	}
	h.counts[idx]++
}

// IncrementAll adds one count per (channel, dtime) pair, holding the lock once.
func (h *Histogram) IncrementAll(channels, dtimes []uint32) {
	if len(channels) != len(dtimes) {
		panic(fmt.Sprintf("IncrementAll given %d channels and %d dtimes", len(channels), len(dtimes)))
	}
	h.Lock()
	defer h.Unlock()
	for i := range channels {
		h.increment(channels[i], dtimes[i])
	}
}

// Clear zeroes every counter and the saturation count.
func (h *Histogram) Clear() {
	h.Lock()
	defer h.Unlock()
	clear(h.counts)
	h.saturated = 0
	h.warned = false
}

// Saturated returns how many increments were lost to saturation since the last Clear.
func (h *Histogram) Saturated() uint64 {
	h.RLock()
	defer h.RUnlock()
	return h.saturated
}

// Counts returns a copy of the histogram of channel (1-based).
func (h *Histogram) Counts(channel int) ([]uint32, error) {
	if channel < 1 || channel > h.nchan {
		return nil, fmt.Errorf("channel %d not in [1,%d]", channel, h.nchan)
	}
	h.RLock()
	defer h.RUnlock()
	row := h.counts[(channel-1)*h.nbins : channel*h.nbins]
	return append([]uint32(nil), row...), nil
}

// Grid returns a copy of all histograms, indexed [channel-1][bin].
func (h *Histogram) Grid() [][]uint32 {
	h.RLock()
	defer h.RUnlock()
	grid := make([][]uint32, h.nchan)
	for i := range grid {
		grid[i] = append([]uint32(nil), h.counts[i*h.nbins:(i+1)*h.nbins]...)
	}
	return grid
}

// Total returns the sum of all counts in channel (1-based).
func (h *Histogram) Total(channel int) uint64 {
	if channel < 1 || channel > h.nchan {
		return 0
	}
	h.RLock()
	defer h.RUnlock()
	var sum uint64
	for _, c := range h.counts[(channel-1)*h.nbins : channel*h.nbins] {
		sum += uint64(c)
	}
	return sum
}

// ChannelSummary describes the delay-time distribution of one channel, in bins.
type ChannelSummary struct {
	Channel int
	Counts  uint64
	Mean    float64
	StdDev  float64
	Peak    int // bin with the most counts
}

// Summaries returns a ChannelSummary for every channel. Mean and StdDev are
// zero for a channel with fewer than two counts.
func (h *Histogram) Summaries() []ChannelSummary {
	bins := make([]float64, h.nbins)
	for i := range bins {
		bins[i] = float64(i)
	}
	weights := make([]float64, h.nbins)
	out := make([]ChannelSummary, h.nchan)

	h.RLock()
	defer h.RUnlock()
	for ch := 0; ch < h.nchan; ch++ {
		s := ChannelSummary{Channel: ch + 1}
		var peak uint32
		for i, c := range h.counts[ch*h.nbins : (ch+1)*h.nbins] {
			weights[i] = float64(c)
			s.Counts += uint64(c)
			if c > peak {
				peak = c
				s.Peak = i
			}
		}
		if s.Counts >= 2 {
			s.Mean, s.StdDev = stat.MeanStdDev(bins, weights)
		}
		out[ch] = s
	}
	return out
}
