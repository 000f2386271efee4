package textui

import (
	"fmt"
	"io"

	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var printer = message.NewPrinter(language.English)

// Fprintf is like fmt.Fprintf, but goes through x/text/message so that
// thousands separators and similar human conveniences are available,
// and marks the call site as UI-facing rather than internal.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Sprintf is the Sprintf counterpart to Fprintf.
func Sprintf(key string, a ...any) string {
	return printer.Sprintf(key, a...)
}

// Portion renders a fraction N/D as both a percentage and
// parenthetically as the exact fractional value, used for reporting
// block-usage (fs_stat) and GC progress.
//
//	fmt.Sprint(Portion[int]{N: 1, D: 12345}) ⇒ "0% (1/12,345)"
type Portion[T constraints.Integer] struct {
	N, D T
}

var _ fmt.Stringer = Portion[int]{}

func (p Portion[T]) String() string {
	pct := float64(1)
	if p.D > 0 {
		pct = float64(p.N) / float64(p.D)
	}
	return printer.Sprintf("%v (%v/%v)", number.Percent(pct), uint64(p.N), uint64(p.D))
}

var iecPrefixes = []string{"Ki", "Mi", "Gi", "Ti", "Pi", "Ei", "Zi", "Yi"}

// IEC formats x as a unit-suffixed, power-of-1024 humanized quantity
// (e.g. block/byte counts in `lfs3 fsck`/`lfs3 dump-tree` output).
type IEC[T constraints.Integer | constraints.Float] struct {
	Val  T
	Unit string
}

var _ fmt.Stringer = IEC[int]{}

func (v IEC[T]) String() string {
	y := float64(v.Val)
	neg := y < 0
	if neg {
		y = -y
	}
	var prefix string
	for i := 0; y > 1024 && i < len(iecPrefixes); i++ {
		y /= 1024
		prefix = iecPrefixes[i]
	}
	if neg {
		y = -y
	}
	return printer.Sprintf("%v%s%s", number.Decimal(y), prefix, v.Unit)
}
