package unit

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseWUInfoRoundTrip(t *testing.T) {
	buf := make([]byte, wuInfoSize)
	binary.LittleEndian.PutUint32(buf[0:4], 7)
	binary.LittleEndian.PutUint32(buf[84:88], 1000)
	binary.LittleEndian.PutUint32(buf[88:92], 250)

	info, err := ParseWUInfo(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(7), info.Type)
	require.Equal(t, uint32(1000), info.Total)
	require.Equal(t, uint32(250), info.Done)
}

func TestParseWUInfoRejectsWrongSize(t *testing.T) {
	_, err := ParseWUInfo([]byte{1, 2, 3})
	require.Error(t, err)
}
