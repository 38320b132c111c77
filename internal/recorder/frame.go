package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"

	"exchange/internal/schema"
)

// A frame is a fixed head, the payload and a crc32c over both.
//
//	0  magic     4
//	4  version   2
//	6  head size 2
//	8  length    4   payload bytes
//	12 type      2
//	14 schema    2
//	16 source    2   instrument id
//	18 flags     2
//	20 seq       8
//	28 ts event  8
//	36 ts recv   8
//	44 trace id  8
//	52 reserved  4
const (
	frameVersion  uint16 = 2
	frameHeadSize        = 56
	frameTailSize        = 4

	maxPayloadLen = uint64(^uint32(0))
)

var (
	frameMagic = [4]byte{'M', 'W', 'A', 'L'}
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrBadMagic         = errors.New("wal bad magic")
	ErrBadVersion       = errors.New("wal unsupported frame version")
	ErrShortFrame       = errors.New("wal short frame")
	ErrChecksumMismatch = errors.New("wal checksum mismatch")
	ErrTorn             = errors.New("wal torn record")
	ErrPayloadTooLarge  = errors.New("wal payload too large")
)

func appendHead(dst []byte, h schema.EventHeader, payloadLen int) []byte {
	le := binary.LittleEndian
	dst = append(dst, frameMagic[:]...)
	dst = le.AppendUint16(dst, frameVersion)
	dst = le.AppendUint16(dst, frameHeadSize)
	dst = le.AppendUint32(dst, uint32(payloadLen))
	dst = le.AppendUint16(dst, uint16(h.Type))
	dst = le.AppendUint16(dst, h.Version)
	dst = le.AppendUint16(dst, h.Source)
	dst = le.AppendUint16(dst, h.Flags)
	dst = le.AppendUint64(dst, h.Seq)
	dst = le.AppendUint64(dst, uint64(h.TsEvent))
	dst = le.AppendUint64(dst, uint64(h.TsRecv))
	dst = le.AppendUint64(dst, h.TraceID)
	return le.AppendUint32(dst, 0)
}

func parseHead(src []byte) (schema.EventHeader, uint32, error) {
	if len(src) < frameHeadSize {
		return schema.EventHeader{}, 0, ErrShortFrame
	}
	if !bytes.Equal(src[:4], frameMagic[:]) {
		return schema.EventHeader{}, 0, ErrBadMagic
	}
	le := binary.LittleEndian
	if le.Uint16(src[4:]) != frameVersion || le.Uint16(src[6:]) != frameHeadSize {
		return schema.EventHeader{}, 0, ErrBadVersion
	}
	return schema.EventHeader{
		Type:    schema.EventType(le.Uint16(src[12:])),
		Version: le.Uint16(src[14:]),
		Source:  le.Uint16(src[16:]),
		Flags:   le.Uint16(src[18:]),
		Seq:     le.Uint64(src[20:]),
		TsEvent: int64(le.Uint64(src[28:])),
		TsRecv:  int64(le.Uint64(src[36:])),
		TraceID: le.Uint64(src[44:]),
	}, le.Uint32(src[8:]), nil
}

func frameSum(head, payload []byte) uint32 {
	return crc32.Update(crc32.Checksum(head, castagnoli), castagnoli, payload)
}

// AppendRecord appends one complete frame to dst.
func AppendRecord(dst []byte, header schema.EventHeader, payload []byte) []byte {
	start := len(dst)
	dst = appendHead(dst, header, len(payload))
	head := dst[start:]
	sum := frameSum(head, payload)
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint32(dst, sum)
}

// DecodeRecord parses one frame from the start of src. The payload aliases src.
func DecodeRecord(src []byte) (schema.EventHeader, []byte, error) {
	header, n, err := parseHead(src)
	if err != nil {
		return header, nil, err
	}
	end := frameHeadSize + int(n)
	if len(src) < end+frameTailSize {
		return header, nil, ErrShortFrame
	}
	payload := src[frameHeadSize:end]
	if frameSum(src[:frameHeadSize], payload) != binary.LittleEndian.Uint32(src[end:]) {
		return header, nil, ErrChecksumMismatch
	}
	return header, payload, nil
}
