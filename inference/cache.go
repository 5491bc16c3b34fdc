package inference

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	"etongue/ml"
)

// fingerprint hashes the exact bit patterns of a reading. Readings that
// differ in any value, or in signal length, hash differently.
func fingerprint(r ml.SensorReading) uint64 {
	h := xxhash.New()
	var buf [8]byte
	write := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	write(r.PH)
	write(r.Conductivity)
	write(r.Temperature)
	binary.LittleEndian.PutUint64(buf[:], uint64(len(r.Signal)))
	_, _ = h.Write(buf[:])
	for _, v := range r.Signal {
		write(v)
	}
	return h.Sum64()
}
