package memwatch

import "golang.org/x/sys/unix"

// sampleHost counts free and buffer memory as available.
func sampleHost() (Sample, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Sample{}, err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return Sample{
		Total:     uint64(si.Totalram) * unit,
		Available: (uint64(si.Freeram) + uint64(si.Bufferram)) * unit,
	}, nil
}
