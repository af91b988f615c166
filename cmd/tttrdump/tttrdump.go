package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/usnistgov/tcspc"
	"github.com/usnistgov/tcspc/hydraharp"
	"github.com/usnistgov/tcspc/tttr"
)

// dumpRecords prints the first max records with their decoded fields.
func dumpRecords(records []uint32, mode tttr.Mode, max int) {
	dec, err := tttr.NewDecoder(mode)
	if err != nil {
		log.Fatal(err)
	}
	max = min(max, len(records))
	fmt.Println(" index   raw        kind       chan   markers  dtime           time")
	for i, rec := range records[:max] {
		ev := dec.Decode(rec)
		fmt.Printf("%6d   0x%8.8x %-9s %4d   %4d   %8d %14d\n", i, rec, ev.Kind, ev.Channel, ev.Markers, ev.Dtime, ev.Time)
		if ev.Kind == tttr.Invalid {
			fmt.Println("<invalid record: stopping>")
			return
		}
	}
}

func convert(input, output string, mode tttr.Mode, resolution, syncPeriod float64) error {
	device, err := hydraharp.LoadReplay(input, 0)
	if err != nil {
		return err
	}
	device.SetTimebase(resolution, syncPeriod)
	sink, err := tcspc.NewTextSink(output, mode, device)
	if err != nil {
		return err
	}
	config := tcspc.AcquisitionConfig{Mode: mode.String(), Tacq: time.Second, PollInterval: -1, DrainRetries: 1}
	acq, err := tcspc.NewAcquisition(device, sink, config)
	if err != nil {
		return err
	}
	summary, err := acq.Run(nil)
	fmt.Printf("%s: %d records, %d photons, %d markers, %d overflow records (%d wraps)\n",
		input, summary.Records, summary.Photons, summary.Markers, summary.Overflows, summary.Wraps)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %d events to %s\n", sink.Lines(), output)
	return nil
}

func main() {
	modeName := flag.String("m", "T3", "record mode (T2 or T3)")
	output := flag.String("o", "", "text output file (default: input with .txt extension)")
	resolution := flag.Float64("res", 1, "time resolution in ps")
	syncPeriod := flag.Float64("sync", 25e-9, "sync period in seconds (T3)")
	ndump := flag.Int("n", 0, "print this many decoded records instead of converting")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tttrdump [options] records.npy")
		flag.PrintDefaults()
		os.Exit(2)
	}
	input := flag.Arg(0)
	mode, err := tttr.ParseMode(*modeName)
	if err != nil {
		log.Fatal(err)
	}

	if *ndump > 0 {
		device, err := hydraharp.LoadReplay(input, 0)
		if err != nil {
			log.Fatal(err)
		}
		records := make([]uint32, device.Len())
		if err := device.Start(time.Second); err != nil {
			log.Fatal(err)
		}
		n, err := device.ReadFIFO(records)
		if err != nil {
			log.Fatal(err)
		}
		dumpRecords(records[:n], mode, *ndump)
		return
	}

	if *output == "" {
		*output = strings.TrimSuffix(input, ".npy") + ".txt"
	}
	if err := convert(input, *output, mode, *resolution, *syncPeriod); err != nil {
		log.Fatal(err)
	}
}
