package extract

import (
	"hash/crc32"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/snapdoc/internal/model"
)

// Fingerprint identifies the extraction configuration an artifact was
// produced with.
type Fingerprint struct {
	FollowLinks    bool
	LookUnderMasks bool
	Params         map[string]string
}

// FingerprintOf returns the fingerprint of a profile extraction configuration,
// global parameters are overridden by the profile ones.
func FingerprintOf(conf model.SnapConf, global model.Params) Fingerprint {
	params := make(map[string]string, len(global)+len(conf.Params))
	maps.Copy(params, global)
	maps.Copy(params, conf.Params)
	return Fingerprint{
		FollowLinks:    conf.FollowLinks,
		LookUnderMasks: conf.LookUnderMasks,
		Params:         params,
	}
}

// String returns followLinks|lookUnderMasks|k1:v1|k2:v2 with sorted keys
func (f Fingerprint) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatBool(f.FollowLinks))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatBool(f.LookUnderMasks))
	for _, k := range slices.Sorted(maps.Keys(f.Params)) {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(f.Params[k])
	}
	return sb.String()
}

// Checksum is the CRC-32 (IEEE) of String
func (f Fingerprint) Checksum() uint32 {
	return crc32.ChecksumIEEE([]byte(f.String()))
}

// Conf is the checksum in the decimal form stored in artifacts
func (f Fingerprint) Conf() string {
	return strconv.FormatUint(uint64(f.Checksum()), 10)
}
