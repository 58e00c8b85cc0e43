package wire

// PartialMerkleTree is the bit-packed proof used to answer filter-matched
// "merkleblock" queries: the transaction count, the hashes retained at
// each pruned level, and a flag bit per tree node.
type PartialMerkleTree struct {
	NumTransactions uint32
	Hashes          [][32]byte
	Bits            []bool
}

func appendHash32(buf []byte, h [32]byte) []byte {
	return append(buf, h[:]...)
}

func readHash32(b []byte) ([32]byte, int, error) {
	var h [32]byte
	if len(b) < 32 {
		return h, 0, ErrTruncated
	}
	copy(h[:], b[:32])
	return h, 32, nil
}

// packBits little-endian bit-packs a []bool into bytes, padding the final
// byte with trailing zero bits.
func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(data []byte, count int) []bool {
	bits := make([]bool, count)
	for i := 0; i < count; i++ {
		bits[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return bits
}

// Serialize writes nTransactions, the hash vector, and the bit-packed
// flags as a varstr (compact-size length + bytes).
func (t *PartialMerkleTree) Serialize() []byte {
	var buf []byte
	buf = AppendUint32LE(buf, t.NumTransactions)
	buf = AppendVarVec(buf, t.Hashes, appendHash32)
	buf = AppendVarBytes(buf, packBits(t.Bits))
	return buf
}

// DeserializePartialMerkleTree parses the output of Serialize. The caller
// must know the number of flag bits out-of-band (it is not itself
// serialized; only the packed bytes are) — here the returned Bits has
// len(packed bytes)*8 entries, each serialized byte yielding 8 candidate
// bits; trailing padding bits are not
// distinguishable from real "false" bits and must be ignored by the
// tree-walking algorithm, not by the codec.
func DeserializePartialMerkleTree(b []byte) (*PartialMerkleTree, int, error) {
	numTx, err := ReadUint32LE(b)
	if err != nil {
		return nil, 0, err
	}
	off := 4
	hashes, consumed, err := ReadVarVec(b[off:], readHash32)
	if err != nil {
		return nil, 0, err
	}
	off += consumed
	bitBytes, consumed, err := ReadVarBytes(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += consumed
	bits := unpackBits(bitBytes, len(bitBytes)*8)
	return &PartialMerkleTree{
		NumTransactions: numTx,
		Hashes:          hashes,
		Bits:            bits,
	}, off, nil
}
