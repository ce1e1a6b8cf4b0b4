package kamui

import (
	"encoding/hex"
	"strings"

	"github.com/hashicorp/go-uuid"
)

// Zone kind tags. The first segment of a zone id selects the backing layout.
const (
	IdServerListenBacklog = "id_server_listen_backlog"
	IdConnection          = "id_connection"
)

// Per-connection channel tags. A full-duplex connection is made of one ctrl
// and one data zone per direction.
const (
	IdConnC2SCtrl = "id_conn_c2s_ctrl"
	IdConnC2SData = "id_conn_c2s_data"
	IdConnS2CCtrl = "id_conn_s2c_ctrl"
	IdConnS2CData = "id_conn_s2c_data"
)

// RequestTokenPrefix marks pending connect attempts inside a listen backlog,
// so directory listings can skip unrelated entries.
const RequestTokenPrefix = "req-"

// JoinID builds a zone id from its segments. No segment may itself
// contain "/".
func JoinID(parts ...string) string {
	return strings.Join(parts, "/")
}

// HeadID returns the kind tag of a zone id.
func HeadID(zoneId string) string {
	return SplitID(zoneId)[0]
}

// SplitID returns the segments of a zone id.
func SplitID(zoneId string) []string {
	return strings.Split(zoneId, "/")
}

// Segments returns the number of segments of a zone id.
func Segments(zoneId string) int {
	return len(SplitID(zoneId))
}

// NewRequestToken mints an opaque token naming one pending connect attempt:
// "req-" followed by 32 random hex digits. Tokens must be unique per listen
// address.
func NewRequestToken() (string, error) {
	raw, err := uuid.GenerateRandomBytes(16)
	if err != nil {
		return "", err
	}
	return RequestTokenPrefix + hex.EncodeToString(raw), nil
}

// IsRequestToken reports whether raw names a pending connect attempt.
func IsRequestToken(raw string) bool {
	return strings.HasPrefix(raw, RequestTokenPrefix)
}
