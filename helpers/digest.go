package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"

	"github.com/migadu/sievemgr/wire"
)

// ContentDigest returns the hex BLAKE3-256 digest of a script body after line
// break normalization, so that a local file with LF line endings and the
// server copy with CRLF compare equal.
func ContentDigest(body []byte) string {
	sum := blake3.Sum256([]byte(wire.NormalizeLineBreaks(string(body))))
	return hex.EncodeToString(sum[:])
}
