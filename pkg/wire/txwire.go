package wire

// The types in this file are the codec-layer conformance shapes from
// spec.md §6's byte-exact table: OutPoint, TxIn, TxOut, Transaction,
// Block, and DiskTxPos. They mirror the classic reference layout field
// for field. The node's domain types (pkg/tx.Transaction, pkg/block.Block)
// carry additional fields (colored-coin token data, script-type tags) and
// serialize through their own SigningBytes()/Hash(); these wire-level
// shapes exist so the codec itself is exercised and tested independent of
// the domain model, satisfying Testable Property 8 (serialization
// round-trip) at the layer spec.md §6 actually pins byte-for-byte.

// OutPoint is hash || n (little-endian).
type OutPoint struct {
	Hash [32]byte
	N    uint32
}

func AppendOutPoint(buf []byte, o OutPoint) []byte {
	buf = append(buf, o.Hash[:]...)
	return AppendUint32LE(buf, o.N)
}

func ReadOutPoint(b []byte) (OutPoint, int, error) {
	if len(b) < 36 {
		return OutPoint{}, 0, ErrTruncated
	}
	var o OutPoint
	copy(o.Hash[:], b[:32])
	o.N = uint32(b[32]) | uint32(b[33])<<8 | uint32(b[34])<<16 | uint32(b[35])<<24
	return o, 36, nil
}

// IsNull reports whether this is the null outpoint (hash=0, n=MaxUint32)
// marking a coinbase input, per the classic reference convention (distinct
// from this project's own Outpoint.IsNull in pkg/types, which this codec
// layer does not share a type with).
func (o OutPoint) IsNull() bool {
	return o.Hash == [32]byte{} && o.N == 0xFFFFFFFF
}

// TxIn is OutPoint || varstr(scriptSig) || u32 nSequence.
type TxIn struct {
	PrevOut   OutPoint
	ScriptSig []byte
	Sequence  uint32
}

func AppendTxIn(buf []byte, in TxIn) []byte {
	buf = AppendOutPoint(buf, in.PrevOut)
	buf = AppendVarBytes(buf, in.ScriptSig)
	return AppendUint32LE(buf, in.Sequence)
}

func ReadTxIn(b []byte) (TxIn, int, error) {
	prevOut, n1, err := ReadOutPoint(b)
	if err != nil {
		return TxIn{}, 0, err
	}
	script, n2, err := ReadVarBytes(b[n1:])
	if err != nil {
		return TxIn{}, 0, err
	}
	seq, err := ReadUint32LE(b[n1+n2:])
	if err != nil {
		return TxIn{}, 0, err
	}
	return TxIn{PrevOut: prevOut, ScriptSig: script, Sequence: seq}, n1 + n2 + 4, nil
}

// IsFinal reports whether the input's sequence marks it final
// (nSequence == 0xFFFFFFFF).
func (in TxIn) IsFinal() bool {
	return in.Sequence == 0xFFFFFFFF
}

// TxOut is i64 nValue || varstr(scriptPubKey).
type TxOut struct {
	Value        int64
	ScriptPubKey []byte
}

func AppendTxOut(buf []byte, out TxOut) []byte {
	buf = AppendUint64LE(buf, uint64(out.Value))
	return AppendVarBytes(buf, out.ScriptPubKey)
}

func ReadTxOut(b []byte) (TxOut, int, error) {
	v, err := ReadUint64LE(b)
	if err != nil {
		return TxOut{}, 0, err
	}
	script, n, err := ReadVarBytes(b[8:])
	if err != nil {
		return TxOut{}, 0, err
	}
	return TxOut{Value: int64(v), ScriptPubKey: script}, 8 + n, nil
}

// Transaction is i32 nVersion || u32 nTime || varvec(vin) || varvec(vout) || u32 nLockTime.
type Transaction struct {
	Version  int32
	NTime    uint32
	Vin      []TxIn
	Vout     []TxOut
	LockTime uint32
}

func (tx *Transaction) Serialize() []byte {
	var buf []byte
	buf = AppendUint32LE(buf, uint32(tx.Version))
	buf = AppendUint32LE(buf, tx.NTime)
	buf = AppendVarVec(buf, tx.Vin, AppendTxIn)
	buf = AppendVarVec(buf, tx.Vout, AppendTxOut)
	buf = AppendUint32LE(buf, tx.LockTime)
	return buf
}

func DeserializeTransaction(b []byte) (*Transaction, int, error) {
	version, err := ReadUint32LE(b)
	if err != nil {
		return nil, 0, err
	}
	off := 4
	nTime, err := ReadUint32LE(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += 4
	vin, n, err := ReadVarVec(b[off:], ReadTxIn)
	if err != nil {
		return nil, 0, err
	}
	off += n
	vout, n, err := ReadVarVec(b[off:], ReadTxOut)
	if err != nil {
		return nil, 0, err
	}
	off += n
	lockTime, err := ReadUint32LE(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += 4
	return &Transaction{
		Version:  int32(version),
		NTime:    nTime,
		Vin:      vin,
		Vout:     vout,
		LockTime: lockTime,
	}, off, nil
}

// Hash is the double-SHA256 of the canonical serialization: the identity
// pinned by Testable Property 1.
func (tx *Transaction) Hash() [32]byte {
	return DoubleSHA256(tx.Serialize())
}

// DiskTxPos is blockHash(32, LE) || txOffsetInBlock(u32, LE).
type DiskTxPos struct {
	BlockHash       [32]byte
	TxOffsetInBlock uint32
}

func AppendDiskTxPos(buf []byte, p DiskTxPos) []byte {
	buf = append(buf, p.BlockHash[:]...)
	return AppendUint32LE(buf, p.TxOffsetInBlock)
}

func ReadDiskTxPos(b []byte) (DiskTxPos, int, error) {
	if len(b) < 36 {
		return DiskTxPos{}, 0, ErrTruncated
	}
	var p DiskTxPos
	copy(p.BlockHash[:], b[:32])
	p.TxOffsetInBlock = uint32(b[32]) | uint32(b[33])<<8 | uint32(b[34])<<16 | uint32(b[35])<<24
	return p, 36, nil
}

// IsNull reports whether this position is unset.
func (p DiskTxPos) IsNull() bool {
	return p.BlockHash == [32]byte{} && p.TxOffsetInBlock == 0
}

// MempoolSentinel is the DiskTxPos value meaning "in the mempool, not yet
// in a block" (spec.md §4.4 step 11: DiskTxPos::MEMPOOL_SENTINEL = (1,1)).
var MempoolSentinel = DiskTxPos{BlockHash: func() [32]byte { var h [32]byte; h[0] = 1; return h }(), TxOffsetInBlock: 1}

// Block is header(i32,32,32,u32,u32,u32) || varvec(vtx) || varstr(vchBlockSig).
type BlockHeader struct {
	Version       int32
	HashPrevBlock [32]byte
	HashMerkle    [32]byte
	NTime         uint32
	NBits         uint32
	NNonce        uint32
}

func AppendBlockHeader(buf []byte, h BlockHeader) []byte {
	buf = AppendUint32LE(buf, uint32(h.Version))
	buf = append(buf, h.HashPrevBlock[:]...)
	buf = append(buf, h.HashMerkle[:]...)
	buf = AppendUint32LE(buf, h.NTime)
	buf = AppendUint32LE(buf, h.NBits)
	buf = AppendUint32LE(buf, h.NNonce)
	return buf
}

type Block struct {
	Header      BlockHeader
	Vtx         []Transaction
	VchBlockSig []byte
}

func (blk *Block) Serialize() []byte {
	var buf []byte
	buf = AppendBlockHeader(buf, blk.Header)
	buf = AppendVarVec(buf, blk.Vtx, func(b []byte, t Transaction) []byte {
		return append(b, t.Serialize()...)
	})
	buf = AppendVarBytes(buf, blk.VchBlockSig)
	return buf
}
