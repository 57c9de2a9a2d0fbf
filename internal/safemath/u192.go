package safemath

import "math/big"

var maxU192 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 192), big.NewInt(1))

// U192 is an unsigned 192-bit integer used for wide intermediate products in
// the reserve-price and funding-payment paths. Values are immutable; every
// operation returns a fresh U192 or ErrMath when the result leaves the
// 192-bit range.
type U192 struct {
	v *big.Int
}

func U192FromUint64(x uint64) U192 {
	return U192{v: new(big.Int).SetUint64(x)}
}

func U192FromBig(x *big.Int) (U192, error) {
	if x.Sign() < 0 || x.Cmp(maxU192) > 0 {
		return U192{}, ErrMath
	}
	return U192{v: new(big.Int).Set(x)}, nil
}

func (a U192) Add(b U192) (U192, error) {
	return u192Checked(new(big.Int).Add(a.v, b.v))
}

func (a U192) Sub(b U192) (U192, error) {
	return u192Checked(new(big.Int).Sub(a.v, b.v))
}

func (a U192) Mul(b U192) (U192, error) {
	return u192Checked(new(big.Int).Mul(a.v, b.v))
}

func (a U192) Div(b U192) (U192, error) {
	if b.v.Sign() == 0 {
		return U192{}, ErrMath
	}
	return u192Checked(new(big.Int).Div(a.v, b.v))
}

func (a U192) Uint64() (uint64, error) {
	return BigToUint64(a.v)
}

func (a U192) Int128() (*big.Int, error) {
	return CheckI128(new(big.Int).Set(a.v))
}

func (a U192) BigInt() *big.Int {
	return new(big.Int).Set(a.v)
}

func u192Checked(v *big.Int) (U192, error) {
	if v.Sign() < 0 || v.Cmp(maxU192) > 0 {
		return U192{}, ErrMath
	}
	return U192{v: v}, nil
}
