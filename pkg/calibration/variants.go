package calibration

import "fmt"

// Full candidate image size (2 MiB) and the 512 KiB calibration window
// within it (0x100000..0x17FFFF) that Phase D/E erase and rewrite
// (spec.md §1, §3).
const (
	imageSize       = 0x200000
	calStart        = 0x100000
	calibrationSize = 0x080000
)

var registry = map[string]Variant{}

func register(v Variant) {
	if err := v.Validate(); err != nil {
		panic(err) // registration-time invariant, not a runtime error
	}
	registry[v.ID] = v
}

func init() {
	// Forbidden regions common to both variants (spec.md §3): the two
	// WGDC checksum blocks, boot code, and the flash counter.
	forbidden := []Region{
		{Start: 0x054A90, End: 0x054B50},
		{Start: 0x05AD20, End: 0x05AD80},
		{Start: 0x000000, End: 0x007FFF},
		{Start: 0x1F0000, End: 0x200000},
	}

	// Both zones and the registry entries live inside the calibration
	// window; CRC slots occupy its last 8 bytes, outside either zone.
	zones := []Zone{
		{Start: calStart, End: calStart + 0x040000, CRCSlot: calStart + calibrationSize - 8},
		{Start: calStart + 0x040000, End: calStart + calibrationSize - 8, CRCSlot: calStart + calibrationSize - 4},
	}
	validated := []ValidatedEntry{
		{Region: Region{Start: calStart + 0x010000, End: calStart + 0x020000}, Category: "fuel", Label: "primary fuel map"},
		{Region: Region{Start: calStart + 0x020000, End: calStart + 0x028000}, Category: "boost", Label: "boost target table"},
	}
	// Boost-control table checksum block: distinct from the WGDC forbidden
	// regions above, just past the boost target table in the validated map.
	blacklist := []Region{
		{Start: calStart + 0x028000, End: calStart + 0x028010},
	}

	register(Variant{
		ID:               "MSD80",
		BaseAddr:         0x800000,
		ImageSize:        imageSize,
		CalibrationStart: calStart,
		CalibrationSize:  calibrationSize,
		ZoneMap:          zones,
		Forbidden:        forbidden,
		Blacklist:        blacklist,
		Validated:        validated,
	})

	register(Variant{
		ID:               "MSD81",
		BaseAddr:         0x800000,
		ImageSize:        imageSize,
		CalibrationStart: calStart,
		CalibrationSize:  calibrationSize,
		ZoneMap:          zones,
		Forbidden:        forbidden,
		Blacklist:        blacklist,
		Validated:        validated,
	})
}

// Lookup returns the registered Variant for id, e.g. "MSD80" or "MSD81".
func Lookup(id string) (Variant, error) {
	v, ok := registry[id]
	if !ok {
		return Variant{}, fmt.Errorf("calibration: unknown variant %q", id)
	}
	return v, nil
}
