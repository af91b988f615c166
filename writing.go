package tcspc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/usnistgov/tcspc/tttr"
)

// WritingConfig says where acquisitions write their output.
type WritingConfig struct {
	BasePath string
	Sink     string // "HISTOGRAM", "RAW" or "TEXT"
	// Formats of the histogram grid: any of "txt" and "npy".
	HistogramFormats []string
}

// DefaultWritingConfig writes histograms as text and NumPy under ~/tcspc_data.
func DefaultWritingConfig() WritingConfig {
	base := "tcspc_data"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, "tcspc_data")
	}
	return WritingConfig{
		BasePath:         base,
		Sink:             "HISTOGRAM",
		HistogramFormats: []string{"txt", "npy"},
	}
}

// makeDirectory creates directory of the form basepath/20060102/0000 where
// the 4-digit subdirectory counts separate file-writing occasions.
// It also returns the formatting code for use in an Sprintf call
// basepath/20060102/0000/20060102_run0000_%s.%s and an error, if any.
func makeDirectory(basepath string) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("BasePath is the empty string")
	}
	today := time.Now().Format("20060102")
	todayDir := fmt.Sprintf("%s/%s", basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		thisDir := fmt.Sprintf("%s/%4.4d", todayDir, i)
		_, err := os.Stat(thisDir)
		if os.IsNotExist(err) {
			if err2 := os.MkdirAll(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return fmt.Sprintf("%s/%s_run%4.4d_%%s.%%s", thisDir, today, i), nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}

// OutputPlan is the sink and output files chosen for one run.
type OutputPlan struct {
	Sink      EventSink
	Directory string
	Files     []string
}

// planOutput creates the run directory and a sink writing into it.
func planOutput(wc WritingConfig, mode string, nchan int, tb Timebase) (*OutputPlan, error) {
	pattern, err := makeDirectory(wc.BasePath)
	if err != nil {
		return nil, fmt.Errorf("could not make directory: %w", err)
	}
	plan := &OutputPlan{Directory: filepath.Dir(pattern)}
	acqMode, err := tttr.ParseMode(mode)
	if err != nil {
		return nil, err
	}

	switch strings.ToUpper(wc.Sink) {
	case "HISTOGRAM":
		hs, err := NewHistogramSink(acqMode, nchan)
		if err != nil {
			return nil, err
		}
		formats := wc.HistogramFormats
		if len(formats) == 0 {
			formats = []string{"txt"}
		}
		for _, f := range formats {
			f = strings.ToLower(strings.TrimPrefix(f, "."))
			if f != "txt" && f != "npy" {
				return nil, fmt.Errorf("histogram format %q is not txt or npy", f)
			}
			plan.Files = append(plan.Files, fmt.Sprintf(pattern, "histogram", f))
		}
		hs.SetOutputs(plan.Files...)
		plan.Sink = hs
	case "RAW":
		name := fmt.Sprintf(pattern, "records", "npy")
		plan.Files = []string{name}
		plan.Sink = NewRawSink(name)
	case "TEXT":
		name := fmt.Sprintf(pattern, "events", "txt")
		ts, err := NewTextSink(name, acqMode, tb)
		if err != nil {
			return nil, err
		}
		plan.Files = []string{name}
		plan.Sink = ts
	default:
		return nil, fmt.Errorf("sink %q is not HISTOGRAM, RAW or TEXT", wc.Sink)
	}
	return plan, nil
}
