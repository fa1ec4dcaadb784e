// Package fingerprint computes content-identity summaries for local files
// and remote objects. A fingerprint is a (size, mtime, 4xCRC32) tuple:
// cheap to compute, collision-prone by design, and backed by byte-level
// comparison for the paths where a collision would lose data.
package fingerprint

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const (
	// Files up to this size are read whole and checksummed in quarters.
	fullReadLimit = 132 * 1024

	// Larger files are sampled: each CRC segment covers probesPerSegment
	// probes of probeSize bytes spread across a quarter of the file.
	probeSize        = 4096
	probesPerSegment = 8
)

// Fingerprint identifies file content with high (not cryptographic)
// confidence. Two fingerprints compare equal iff all fields match.
type Fingerprint struct {
	Size  int64     `json:"size"`
	MTime int64     `json:"mtime"`
	CRC   [4]uint32 `json:"crc"`
}

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Equal reports field-wise equality.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f == other
}

// String returns a compact textual form, useful in logs.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%d:%d:%08x%08x%08x%08x", f.Size, f.MTime, f.CRC[0], f.CRC[1], f.CRC[2], f.CRC[3])
}

// Equivalent reports whether two fingerprints identify the same content,
// ignoring the modification time: a copy or a re-upload of identical bytes
// carries a fresh timestamp but is not a real change.
func Equivalent(a, b Fingerprint) bool {
	return a.Size == b.Size && a.CRC == b.CRC
}

// OfFile computes the fingerprint of a regular file. Directories and
// non-regular entries are rejected.
func OfFile(path string) (Fingerprint, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Fingerprint{}, fmt.Errorf("not a regular file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return OfReader(f, info.Size(), info.ModTime().Unix())
}

// OfReader computes the fingerprint of size bytes readable through r.
// Deterministic given (size, mtime, bytes). The modification time is
// truncated to seconds; remote graphs commonly store no finer precision.
func OfReader(r io.ReaderAt, size, mtime int64) (Fingerprint, error) {
	fp := Fingerprint{Size: size, MTime: mtime}

	if size <= fullReadLimit {
		buf := make([]byte, size)
		if size > 0 {
			if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
				return Fingerprint{}, fmt.Errorf("failed to read content: %w", err)
			}
		}
		for seg := 0; seg < 4; seg++ {
			lo := size * int64(seg) / 4
			hi := size * int64(seg+1) / 4
			fp.CRC[seg] = crc32.ChecksumIEEE(buf[lo:hi])
		}
		return fp, nil
	}

	// Sparse sampling: quarter the file, probe each quarter at evenly
	// spaced offsets and checksum the concatenated probes.
	probe := make([]byte, probeSize)
	for seg := 0; seg < 4; seg++ {
		lo := size * int64(seg) / 4
		hi := size * int64(seg+1) / 4
		span := hi - lo - probeSize

		crc := crc32.NewIEEE()
		for p := 0; p < probesPerSegment; p++ {
			off := lo + span*int64(p)/int64(probesPerSegment-1)
			n, err := r.ReadAt(probe, off)
			if err != nil && err != io.EOF {
				return Fingerprint{}, fmt.Errorf("failed to read probe at %d: %w", off, err)
			}
			crc.Write(probe[:n])
		}
		fp.CRC[seg] = crc.Sum32()
	}

	return fp, nil
}

// IdenticalFiles reports whether two files have byte-identical content.
// Used where fingerprint equality is not enough, e.g. before treating a
// debris name collision as a duplicate.
func IdenticalFiles(pathA, pathB string) (bool, error) {
	infoA, err := os.Stat(pathA)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", pathA, err)
	}
	infoB, err := os.Stat(pathB)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", pathB, err)
	}
	if infoA.Size() != infoB.Size() {
		return false, nil
	}

	fa, err := os.Open(pathA)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", pathA, err)
	}
	defer fa.Close()

	fb, err := os.Open(pathB)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", pathB, err)
	}
	defer fb.Close()

	bufA := make([]byte, 64*1024)
	bufB := make([]byte, 64*1024)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			if errB == io.EOF || errB == io.ErrUnexpectedEOF {
				return true, nil
			}
			return false, nil
		}
		if errA != nil {
			return false, fmt.Errorf("failed to read %s: %w", pathA, errA)
		}
		if errB != nil {
			return false, fmt.Errorf("failed to read %s: %w", pathB, errB)
		}
	}
}
