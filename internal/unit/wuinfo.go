package unit

import (
	"encoding/binary"

	"github.com/foldlattice/agent/internal/errs"
)

// wuInfoSize is the fixed size of wuinfo_01.dat: u32 type, 80 reserved
// bytes, u32 total, u32 done (spec.md section 4.1's Run contract).
const wuInfoSize = 4 + 80 + 4 + 4

// WUInfo is the decoded contents of wuinfo_01.dat.
type WUInfo struct {
	Type  uint32
	Total uint32
	Done  uint32
}

// ParseWUInfo decodes the fixed 92-byte wuinfo_01.dat header. The
// kernel writes it little-endian on every supported platform.
func ParseWUInfo(b []byte) (WUInfo, error) {
	if len(b) != wuInfoSize {
		return WUInfo{}, errs.WithKind(errs.Newf("wuinfo: expected %d bytes, got %d", wuInfoSize, len(b)), errs.KindLocalEnv)
	}
	return WUInfo{
		Type:  binary.LittleEndian.Uint32(b[0:4]),
		Total: binary.LittleEndian.Uint32(b[84:88]),
		Done:  binary.LittleEndian.Uint32(b[88:92]),
	}, nil
}
