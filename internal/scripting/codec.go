package scripting

import (
	"encoding/binary"
	"math"
)

// ResultSize is the number of meaningful bytes in a numeric result.
const ResultSize = 8

// EncodeInt returns the 8-byte little-endian two's complement form of v.
func EncodeInt(v int64) [ResultSize]byte {
	return EncodeUint(uint64(v))
}

// EncodeUint returns the 8-byte little-endian form of v.
func EncodeUint(v uint64) (out [ResultSize]byte) {
	binary.LittleEndian.PutUint64(out[:], v)
	return out
}

// EncodeBool encodes true as 1 and false as 0.
func EncodeBool(v bool) [ResultSize]byte {
	if v {
		return EncodeInt(1)
	}
	return EncodeInt(0)
}

// EncodeNumber encodes a JS number byte by byte, the way the script side
// expects it: the low byte of the int32 conversion, then divide by 256.
// Integers encode exactly like EncodeInt; NaN and infinities encode as zero.
func EncodeNumber(f float64) (out [ResultSize]byte) {
	for i := range out {
		b := toInt32(f) & 0xff
		out[i] = byte(b)
		f = (f - float64(b)) / 256
	}
	return out
}

// Decode reads b as an unsigned little-endian integer. Every byte of b takes
// part, so callers wanting a single numeric result pass b[:ResultSize].
// Values at or above 2^53 lose precision, as they do in script.
func Decode(b []byte) float64 {
	var v float64
	for i := len(b) - 1; i >= 0; i-- {
		v = v*256 + float64(b[i])
	}
	return v
}

// DecodeResult decodes the numeric result held in the first 8 bytes of b.
func DecodeResult(b []byte) float64 {
	if len(b) > ResultSize {
		b = b[:ResultSize]
	}
	return Decode(b)
}

func toInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	m := math.Mod(math.Trunc(f), 1<<32)
	if m < 0 {
		m += 1 << 32
	}
	if m >= 1<<31 {
		m -= 1 << 32
	}
	return int32(m)
}
