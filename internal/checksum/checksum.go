// Package checksum renders payload checksums in the tunnel's wire format.
package checksum

import (
	"fmt"
	"hash/crc32"
)

// Sum returns the CRC32 (IEEE) of data as lowercase hex, without a 0x prefix
// and without zero padding. Both tunnel endpoints must produce this exact
// textual form; a side that pads to 8 digits will never match.
func Sum(data []byte) string {
	return fmt.Sprintf("%x", crc32.ChecksumIEEE(data))
}
