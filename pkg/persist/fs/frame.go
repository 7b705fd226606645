package fs

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist"
)

const (
	// FrameMagic marks every file written by this backend
	FrameMagic = "TPLR"

	// FrameVersion is the current frame layout version
	FrameVersion = 1

	// FrameHeaderSize is the fixed size of the frame header
	// Layout: Magic(4) + Version(1) + Reserved(3) + PayloadLen(4) + WrittenAt(8)
	FrameHeaderSize = 20
)

// Frame is a payload plus the metadata needed to detect torn writes
type Frame struct {
	Payload   []byte
	WrittenAt time.Time
}

// Encode serializes the frame with a trailing CRC32 checksum
// Format: [Header(20)] [Payload] [CRC32(4)]
func (f *Frame) Encode() []byte {
	payloadLen := len(f.Payload)
	buf := make([]byte, FrameHeaderSize+payloadLen+4)

	copy(buf[0:4], FrameMagic)
	buf[4] = FrameVersion
	// bytes 5-7 are reserved
	binary.LittleEndian.PutUint32(buf[8:12], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(f.WrittenAt.UnixNano()))

	copy(buf[FrameHeaderSize:], f.Payload)
	offset := FrameHeaderSize + payloadLen

	// Checksum covers header and payload
	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// DecodeFrame parses a frame, failing with persist.ErrTruncated or
// persist.ErrCorrupted when the bytes do not hold a complete, intact frame
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < FrameHeaderSize+4 {
		return nil, persist.ErrTruncated
	}
	if string(data[0:4]) != FrameMagic || data[4] != FrameVersion {
		return nil, persist.ErrCorrupted
	}

	payloadLen := int(binary.LittleEndian.Uint32(data[8:12]))
	expectedSize := FrameHeaderSize + payloadLen + 4
	if len(data) < expectedSize {
		return nil, persist.ErrTruncated
	}
	if len(data) > expectedSize {
		return nil, persist.ErrCorrupted
	}

	storedCRC := binary.LittleEndian.Uint32(data[expectedSize-4:])
	if crc32.ChecksumIEEE(data[:expectedSize-4]) != storedCRC {
		return nil, persist.ErrCorrupted
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[FrameHeaderSize:FrameHeaderSize+payloadLen])

	return &Frame{
		Payload:   payload,
		WrittenAt: time.Unix(0, int64(binary.LittleEndian.Uint64(data[12:20]))),
	}, nil
}
