package oracle

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// noisyGate is a deterministic 50/50 gate on a freshly-drawn Gaussian
// concurrency sample, applied when the desired concurrency exceeds
// current capacity. It hashes the sample's IEEE-754 bit pattern with
// FNV-1a, so replay is reproducible run-to-run on the same build but
// not pinned to any particular float-hashing convention.
func noisyGate(sample float64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(sample))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return h.Sum64()%2 == 0
}
