package codec

import (
	"encoding/binary"
	"fmt"
)

// magicByte begins every schema-registry framed message.
const magicByte = 0x00

// EncodeFrame wraps |payload| in the schema-registry wire framing:
// magic byte, 4-byte big-endian schema id, and (for protobuf payloads)
// the zig-zag varint message-index array.
func EncodeFrame(schemaID int, index []int, payload []byte) []byte {
	var out = make([]byte, 0, 5+len(payload)+len(index)*binary.MaxVarintLen64+1)
	out = append(out, magicByte, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(out[1:5], uint32(schemaID))

	if index != nil {
		out = appendIndex(out, index)
	}
	return append(out, payload...)
}

// SplitFrame parses the leading magic byte and schema id of a framed
// message, returning the id and the remainder (which may itself begin with
// a message-index array when the schema is protobuf).
func SplitFrame(data []byte) (schemaID int, rest []byte, err error) {
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("framed message is too short (%d bytes)", len(data))
	}
	if data[0] != magicByte {
		return 0, nil, fmt.Errorf("invalid magic byte 0x%02x", data[0])
	}
	return int(binary.BigEndian.Uint32(data[1:5])), data[5:], nil
}

// appendIndex writes the protobuf message-index array. The common case of
// the first top-level message, index {0}, is encoded as a single zero byte.
func appendIndex(out []byte, index []int) []byte {
	if len(index) == 1 && index[0] == 0 {
		return append(out, 0)
	}
	var tmp [binary.MaxVarintLen64]byte

	var n = binary.PutVarint(tmp[:], int64(len(index)))
	out = append(out, tmp[:n]...)

	for _, i := range index {
		n = binary.PutVarint(tmp[:], int64(i))
		out = append(out, tmp[:n]...)
	}
	return out
}

// splitIndex parses a message-index array from |data|, returning the index
// path and the remaining payload.
func splitIndex(data []byte) (index []int, payload []byte, err error) {
	var count, n = binary.Varint(data)
	if n <= 0 {
		return nil, nil, fmt.Errorf("parsing message-index count")
	}
	data = data[n:]

	if count == 0 {
		return []int{0}, data, nil
	}
	if count < 0 || count > 128 {
		return nil, nil, fmt.Errorf("unreasonable message-index count %d", count)
	}

	index = make([]int, count)
	for i := range index {
		var v, n = binary.Varint(data)
		if n <= 0 {
			return nil, nil, fmt.Errorf("parsing message-index element %d", i)
		}
		index[i], data = int(v), data[n:]
	}
	return index, data, nil
}
