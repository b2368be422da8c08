package fingerprint

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame builds a sensor packet around payload with a dummy checksum.
func frame(id byte, payload []byte) []byte {
	out := append([]byte{}, packetHeader...)
	out = append(out, id)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(payload)+checksumLen))
	out = append(out, length...)
	out = append(out, payload...)
	return append(out, 0xAB, 0xCD)
}

func TestExtractNoHeader(t *testing.T) {
	assert.Empty(t, Extract(nil))
	assert.Empty(t, Extract([]byte{0x00, 0x01, 0xEF, 0x01, 0xFF, 0x12, 0x34}))
}

func TestExtractSinglePacketStripsTrailingZeros(t *testing.T) {
	payload := []byte{0x00, 0x10, 0x00, 0x20}
	raw := frame(0x02, append(payload, 0x00, 0x00, 0x00))

	assert.Equal(t, Template(payload), Extract(raw))
}

func TestExtractConcatenatesInScanOrder(t *testing.T) {
	raw := []byte{0x55, 0x66}
	raw = append(raw, frame(0x02, []byte{0x01, 0x02, 0x00})...)
	raw = append(raw, 0x99)
	raw = append(raw, frame(0x08, []byte{0x03, 0x04})...)

	packets := Packets(raw)
	require.Len(t, packets, 2)
	assert.Equal(t, 2, packets[0].Offset)
	assert.Equal(t, byte(0x02), packets[0].ID)
	assert.Equal(t, byte(0x08), packets[1].ID)

	assert.Equal(t, Template{0x01, 0x02, 0x03, 0x04}, Extract(raw))
}

func TestExtractTruncatedTrailingPacket(t *testing.T) {
	full := frame(0x02, []byte{0x0A, 0x0B})
	truncated := frame(0x08, []byte{0x01, 0x02, 0x03, 0x04})
	raw := append(full, truncated[:len(truncated)-3]...)

	assert.NotPanics(t, func() {
		assert.Equal(t, Template{0x0A, 0x0B}, Extract(raw))
	})
}

func TestExtractTruncatedLengthField(t *testing.T) {
	raw := append([]byte{}, packetHeader...)
	raw = append(raw, 0x02, 0x00)

	assert.Empty(t, Extract(raw))
}

func TestTemplateValidate(t *testing.T) {
	assert.NoError(t, Template(make([]byte, TemplateSize)).Validate())
	assert.ErrorIs(t, Template(make([]byte, 1000)).Validate(), ErrSizeMismatch)
}
