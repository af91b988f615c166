package hydraharp

import (
	"fmt"
	"strings"
)

// Flags is the instrument's status flag word.
type Flags uint32

// Bits of the Flags word, as the instrument library defines them
const (
	FlagOverflow Flags = 0x0001 // an input rate exceeded what the instrument can timestamp
	FlagFIFOFull Flags = 0x0002 // the record FIFO overran: records were lost
)

func (f Flags) String() string {
	var names []string
	if f&FlagOverflow != 0 {
		names = append(names, "OVERFLOW")
	}
	if f&FlagFIFOFull != 0 {
		names = append(names, "FIFOFULL")
	}
	if rest := f &^ (FlagOverflow | FlagFIFOFull); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
