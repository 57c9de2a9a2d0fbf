package fixedpoint

import (
	"fmt"
	"math/big"
)

// decimalConstants mirrors the on-chain lookup table for 10^d, d in
// [-12, 12]. Entries for negative powers carry the same off-by-one bit
// adjustments as the chain constants so conversions agree bit-for-bit.
var decimalConstants [25]I80F48

// Negative powers whose chain constant rounds up by one bit.
var roundedUpDecimals = map[int8]bool{
	-11: true, -9: true, -8: true, -7: true, -6: true,
	-3: true, -2: true, -1: true,
}

func init() {
	for d := int8(-12); d <= 12; d++ {
		pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs8(d))), nil)
		bits := new(big.Int)
		if d >= 0 {
			bits.Mul(one, pow)
		} else {
			bits.Div(one, pow)
			if roundedUpDecimals[d] {
				bits.Add(bits, big.NewInt(1))
			}
		}
		decimalConstants[int(d)+12] = I80F48{bits: bits}
	}
}

// PowerOfTen returns 10^decimals as a fixed-point value. Valid for decimals
// in [-12, 12]; anything else is a programmer error.
func PowerOfTen(decimals int8) I80F48 {
	if decimals < -12 || decimals > 12 {
		panic(fmt.Sprintf("fixedpoint: power of ten out of range: %d", decimals))
	}
	v := decimalConstants[int(decimals)+12]
	return I80F48{bits: new(big.Int).Set(v.bits)}
}

func abs8(v int8) int8 {
	if v < 0 {
		return -v
	}
	return v
}
