package ivc

import (
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// PoseidonHash is the default HashFn, grounded on the pack's
// demonsh-go-iden3-core repo which depends on go-iden3-crypto/poseidon for
// exactly this kind of two-to-one and leaf hashing.
type PoseidonHash struct{}

// Hash compresses two sibling node hashes into their parent.
func (PoseidonHash) Hash(left, right [32]byte) [32]byte {
	return poseidonHash2(left, right)
}

// HashLeaf binds a recipient address to its transfer value.
func (PoseidonHash) HashLeaf(address [20]byte, value [32]byte) [32]byte {
	addrInt := new(big.Int).SetBytes(address[:])
	valueInt := new(big.Int).SetBytes(value[:])
	return poseidonHashInts(addrInt, valueInt)
}

func poseidonHash2(left, right [32]byte) [32]byte {
	l := new(big.Int).SetBytes(left[:])
	r := new(big.Int).SetBytes(right[:])
	return poseidonHashInts(l, r)
}

func poseidonHashInts(vals ...*big.Int) [32]byte {
	out, err := poseidon.Hash(vals)
	if err != nil {
		// The only failure mode of poseidon.Hash is an out-of-field input,
		// which cannot occur here since big.Int.SetBytes(32 bytes) always
		// produces a value poseidon reduces mod its field.
		panic("poseidon hash: " + err.Error())
	}
	return bigIntTo32Bytes(out)
}

func bigIntTo32Bytes(v *big.Int) [32]byte {
	var out [32]byte
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}
