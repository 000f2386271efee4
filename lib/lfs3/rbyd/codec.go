package rbyd

import (
	"fmt"

	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfsbin"
)

// decodeDidName decodes a NAME-family payload: leb128 did | bytes
// name (spec.md §6).
func decodeDidName(dat []byte) (lfsprim.Did, []byte, error) {
	did, n, err := lfsbin.GetUleb128(dat)
	if err != nil {
		return 0, nil, fmt.Errorf("rbyd: decode name entry: %w", err)
	}
	return lfsprim.Did(did), dat[n:], nil
}

// encodeDidName is decodeDidName's inverse, used when building a
// NAME/REG/DIR/BOOKMARK/STICKYNOTE rattr payload.
func encodeDidName(did lfsprim.Did, name []byte) []byte {
	buf := lfsbin.PutUleb128(nil, uint32(did))
	return append(buf, name...)
}
