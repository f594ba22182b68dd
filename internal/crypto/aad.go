package crypto

import (
	"encoding/binary"
)

const credentialAADLabel = "slurmgo:cred:aad:v1"

// BuildAAD binds a sealed credential to its cluster and format version.
func BuildAAD(cluster string, version uint16) []byte {
	buf := make([]byte, 0, len(credentialAADLabel)+2+len(cluster)+2)
	buf = append(buf, credentialAADLabel...)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(cluster)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, cluster...)
	binary.BigEndian.PutUint16(tmp[:], version)
	buf = append(buf, tmp[:]...)
	return buf
}
