//go:build !linux

package memwatch

func sampleHost() (Sample, error) { return Sample{}, ErrUnsupported }
