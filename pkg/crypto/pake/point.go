package pake

import (
	"crypto/elliptic"
	"errors"
	"math/big"
)

// p256 is the curve used for all SPAKE2 group operations.
var p256 = elliptic.P256()

// pointSizeBytes is the size of an uncompressed P-256 point (0x04 || X || Y).
const pointSizeBytes = 65

// groupSizeBytes is the size of a P-256 scalar.
const groupSizeBytes = 32

// M and N are the fixed SPAKE2 generator points for the P-256 group, as
// specified by RFC 9382 / RFC 9383 Section 4. M is added by the side in
// role A (initiator), N by the side in role B (responder).
var (
	pointM = mustDecodePoint([]byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	})
	pointN = mustDecodePoint([]byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	})
)

var errInvalidPoint = errors.New("pake: peer share is not a valid curve point")

type point struct {
	x, y *big.Int
}

func mustDecodePoint(data []byte) *point {
	p, err := decodePoint(data)
	if err != nil {
		panic(err)
	}
	return p
}

func decodePoint(data []byte) (*point, error) {
	if len(data) != pointSizeBytes || data[0] != 0x04 {
		return nil, errInvalidPoint
	}
	x := new(big.Int).SetBytes(data[1:33])
	y := new(big.Int).SetBytes(data[33:65])
	if !p256.IsOnCurve(x, y) {
		return nil, errInvalidPoint
	}
	return &point{x: x, y: y}, nil
}

func encodePoint(p *point) []byte {
	out := make([]byte, pointSizeBytes)
	out[0] = 0x04
	p.x.FillBytes(out[1:33])
	p.y.FillBytes(out[33:65])
	return out
}

func scalarMult(p *point, k *big.Int) *point {
	x, y := p256.ScalarMult(p.x, p.y, k.Bytes())
	return &point{x: x, y: y}
}

func scalarBaseMult(k *big.Int) *point {
	x, y := p256.ScalarBaseMult(k.Bytes())
	return &point{x: x, y: y}
}

func pointAdd(a, b *point) *point {
	x, y := p256.Add(a.x, a.y, b.x, b.y)
	return &point{x: x, y: y}
}

// pointSub returns a - b.
func pointSub(a, b *point) *point {
	negY := new(big.Int).Neg(b.y)
	negY.Mod(negY, p256.Params().P)
	x, y := p256.Add(a.x, a.y, b.x, negY)
	return &point{x: x, y: y}
}

// scalarFromWideBytes reduces a wide byte string modulo the group order,
// the way a password hash is folded into a usable SPAKE2 scalar.
func scalarFromWideBytes(b []byte) *big.Int {
	n := p256.Params().N
	k := new(big.Int).SetBytes(b)
	k.Mod(k, n)
	if k.Sign() == 0 {
		k.SetInt64(1)
	}
	return k
}
