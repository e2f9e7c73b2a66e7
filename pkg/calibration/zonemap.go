package calibration

import (
	"encoding/binary"
	"fmt"
)

// Zone is one CRC-protected byte range within a CalibrationImage, together
// with the offset of the 4-byte little-endian slot that stores its CRC
// (spec.md §3 ZoneMap).
type Zone struct {
	Start   int
	End     int // exclusive
	CRCSlot int
}

func (z Zone) contains(offset int) bool {
	return offset >= z.Start && offset < z.End
}

func (z Zone) overlaps(o Zone) bool {
	return z.Start < o.End && o.Start < z.End
}

// Region is a half-open byte range [Start, End), used for ForbiddenRegion,
// blacklist and ValidatedMap entries (spec.md §3).
type Region struct {
	Start int
	End   int // exclusive
}

func (r Region) contains(offset int) bool {
	return offset >= r.Start && offset < r.End
}

// ValidatedEntry is a registry entry describing a calibration table known
// to be safe to edit; the core only uses it to classify diffs.
type ValidatedEntry struct {
	Region
	Category string
	Label    string
}

// Variant describes one controller family's address map, zone layout and
// safety registries (spec.md §3, §4.4). Offsets in ZoneMap, Forbidden,
// Blacklist and Validated are all relative to the start of the full
// candidate image (length ImageSize); CalibrationStart/CalibrationSize
// name the narrower window that Phase D/E actually erase and write.
type Variant struct {
	ID               string
	BaseAddr         uint32
	ImageSize        uint32
	CalibrationStart uint32
	CalibrationSize  uint32
	ZoneMap          []Zone
	Forbidden        []Region
	Blacklist        []Region
	Validated        []ValidatedEntry
}

// CalibrationOffset converts an absolute controller address to an offset
// into the candidate image, or false if addr falls outside the
// calibration window.
func (v Variant) CalibrationOffset(addr uint32) (int, bool) {
	if addr < v.BaseAddr+v.CalibrationStart || addr >= v.BaseAddr+v.CalibrationStart+v.CalibrationSize {
		return 0, false
	}
	return int(addr - v.BaseAddr), true
}

// Validate checks the invariants spec.md §4.4 requires at registration:
// zones don't overlap each other or their own CRC slot, and every zone and
// CRC slot lies inside the declared image size.
func (v Variant) Validate() error {
	size := int(v.ImageSize)
	for i, z := range v.ZoneMap {
		if z.Start < 0 || z.End > size || z.Start >= z.End {
			return fmt.Errorf("calibration: variant %s zone %d out of bounds [0,%d)", v.ID, i, size)
		}
		if z.CRCSlot < 0 || z.CRCSlot+4 > size {
			return fmt.Errorf("calibration: variant %s zone %d crc slot out of bounds", v.ID, i)
		}
		if z.contains(z.CRCSlot) || z.contains(z.CRCSlot+3) {
			return fmt.Errorf("calibration: variant %s zone %d crc slot lies inside its own zone", v.ID, i)
		}
		for j := i + 1; j < len(v.ZoneMap); j++ {
			if z.overlaps(v.ZoneMap[j]) {
				return fmt.Errorf("calibration: variant %s zones %d and %d overlap", v.ID, i, j)
			}
		}
	}
	return nil
}

// ComputeZoneCRC returns the CRC-32C of one zone's bytes within image.
func ComputeZoneCRC(image []byte, z Zone) (uint32, error) {
	if z.End > len(image) {
		return 0, fmt.Errorf("calibration: zone [%d,%d) exceeds image length %d", z.Start, z.End, len(image))
	}
	return CRC32C(image[z.Start:z.End]), nil
}

// RefreshAllCRCs recomputes every zone's CRC and writes it back to its slot
// as little-endian, in zone-map order. Idempotent: calling it again with an
// unmutated image produces byte-identical results (spec.md §4.4).
func RefreshAllCRCs(image []byte, v Variant) error {
	for _, z := range v.ZoneMap {
		crc, err := ComputeZoneCRC(image, z)
		if err != nil {
			return err
		}
		if z.CRCSlot+4 > len(image) {
			return fmt.Errorf("calibration: crc slot x%x exceeds image length %d", z.CRCSlot, len(image))
		}
		binary.LittleEndian.PutUint32(image[z.CRCSlot:z.CRCSlot+4], crc)
	}
	return nil
}

// Mismatch describes one zone whose stored CRC doesn't match its computed
// CRC.
type Mismatch struct {
	Zone     Zone
	Stored   uint32
	Computed uint32
}

// VerifyAllCRCs recomputes every zone's CRC and compares it against the
// value stored in its slot, returning every mismatch found.
func VerifyAllCRCs(image []byte, v Variant) ([]Mismatch, error) {
	var mismatches []Mismatch
	for _, z := range v.ZoneMap {
		computed, err := ComputeZoneCRC(image, z)
		if err != nil {
			return nil, err
		}
		if z.CRCSlot+4 > len(image) {
			return nil, fmt.Errorf("calibration: crc slot x%x exceeds image length %d", z.CRCSlot, len(image))
		}
		stored := binary.LittleEndian.Uint32(image[z.CRCSlot : z.CRCSlot+4])
		if stored != computed {
			mismatches = append(mismatches, Mismatch{Zone: z, Stored: stored, Computed: computed})
		}
	}
	return mismatches, nil
}
