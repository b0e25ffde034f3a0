package mux

import (
	"encoding/binary"
	"fmt"
)

// Command identifies the purpose of a mux frame (§3).
type Command uint8

const (
	cmdSYN  Command = 0x00
	cmdFIN  Command = 0x01
	cmdPSH  Command = 0x02
	cmdNOP  Command = 0x03
	cmdMORE Command = 0x04
	cmdPING Command = 0xA0
	cmdPONG Command = 0xA1
)

const (
	// headerLen is version(1) + command(1) + body length(2, big-endian) +
	// stream id(4, little-endian).
	headerLen = 8
	version   = 1

	// maxPSHBody is the largest payload carried by a single PSH frame (§4.4).
	maxPSHBody = 16 * 1024

	// initialWindow is the per-stream starting credit (§4.4, "on the order
	// of 1 MiB").
	initialWindow = 1 << 20
)

type frame struct {
	cmd      Command
	streamID uint32
	body     []byte
}

func (f *frame) marshal() []byte {
	out := make([]byte, headerLen+len(f.body))
	out[0] = version
	out[1] = byte(f.cmd)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(f.body)))
	binary.LittleEndian.PutUint32(out[4:8], f.streamID)
	copy(out[headerLen:], f.body)
	return out
}

// parseHeader decodes the fixed 8-byte header; the caller is responsible
// for then reading bodyLen bytes of body.
func parseHeader(b []byte) (cmd Command, streamID uint32, bodyLen int, err error) {
	if len(b) != headerLen {
		return 0, 0, 0, fmt.Errorf("mux: short header: %d bytes", len(b))
	}
	if b[0] != version {
		return 0, 0, 0, fmt.Errorf("mux: unsupported frame version %d", b[0])
	}
	cmd = Command(b[1])
	bodyLen = int(binary.BigEndian.Uint16(b[2:4]))
	streamID = binary.LittleEndian.Uint32(b[4:8])
	return cmd, streamID, bodyLen, nil
}
