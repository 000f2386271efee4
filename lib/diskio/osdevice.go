package diskio

import "os"

// OSDevice implements Device over a plain *os.File treated as a flat
// array of fixed-size blocks, grounded on the teacher's
// diskio.OSFile[A ~int64] (a thin ReadAt/WriteAt wrapper around
// *os.File). Unlike real NOR/NAND hardware an ordinary file has no
// erase-to-all-ones requirement of its own, so EraseAt fills the
// block with 0xff to keep the "unprogrammed" convention rbyd relies
// on (an erased tag word of all-ones reads as "end of log").
type OSDevice struct {
	f                                          *os.File
	readSize, progSize, blockSize, blockCount int
}

var _ Device = (*OSDevice)(nil)

// OpenOSDevice opens (or creates, with O_CREATE) path as a device of
// the given geometry. If the file is shorter than blockSize*blockCount
// it is extended and the new space erased.
func OpenOSDevice(path string, readSize, progSize, blockSize, blockCount int, create bool) (*OSDevice, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	dev := &OSDevice{f: f, readSize: readSize, progSize: progSize, blockSize: blockSize, blockCount: blockCount}

	want := int64(blockSize) * int64(blockCount)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, err
		}
		blank := make([]byte, blockSize)
		for i := range blank {
			blank[i] = 0xff
		}
		for b := fi.Size() / int64(blockSize); b < int64(blockCount); b++ {
			if _, err := f.WriteAt(blank, b*int64(blockSize)); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	return dev, nil
}

func (d *OSDevice) ReadSize() int   { return d.readSize }
func (d *OSDevice) ProgSize() int   { return d.progSize }
func (d *OSDevice) BlockSize() int  { return d.blockSize }
func (d *OSDevice) BlockCount() int { return d.blockCount }

func (d *OSDevice) ReadAt(b Block, off int, p []byte) error {
	_, err := d.f.ReadAt(p, int64(b)*int64(d.blockSize)+int64(off))
	return err
}

func (d *OSDevice) ProgAt(b Block, off int, p []byte) error {
	_, err := d.f.WriteAt(p, int64(b)*int64(d.blockSize)+int64(off))
	return err
}

func (d *OSDevice) EraseAt(b Block) error {
	blank := make([]byte, d.blockSize)
	for i := range blank {
		blank[i] = 0xff
	}
	_, err := d.f.WriteAt(blank, int64(b)*int64(d.blockSize))
	return err
}

func (d *OSDevice) Sync() error { return d.f.Sync() }

// Close closes the backing file.
func (d *OSDevice) Close() error { return d.f.Close() }
