package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a ciphertext to its envelope header so a relay cannot
// move a sealed body to another sender, recipient, chain or index.
func BuildAAD(msgType string, index int64, from, to, chainID string) []byte {
	fields := [][]byte{[]byte(msgType), []byte(from), []byte(to), []byte(chainID)}
	n := 8
	for _, f := range fields {
		n += 2 + len(f)
	}
	buf := make([]byte, 0, n)
	var tmp [2]byte
	for i, f := range fields {
		binary.BigEndian.PutUint16(tmp[:], uint16(len(f)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, f...)
		if i == 0 {
			var idx [8]byte
			binary.BigEndian.PutUint64(idx[:], uint64(index))
			buf = append(buf, idx[:]...)
		}
	}
	return buf
}
