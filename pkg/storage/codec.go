package storage

import (
	"encoding/binary"

	"github.com/pingcap/errors"
	"txnkv/pkg/values"
)

const (
	tsLen     = 8
	headerLen = 1 + 8

	flagPut    byte = 0
	flagDelete byte = 1
)

// EncodeKey appends the big-endian commit timestamp to the user key, so the
// versions of one key sort oldest first.
func EncodeKey(key string, commitTS uint64) []byte {
	buf := make([]byte, len(key)+tsLen)
	copy(buf, key)
	binary.BigEndian.PutUint64(buf[len(key):], commitTS)
	return buf
}

func DecodeKey(buf []byte) (string, uint64, error) {
	if len(buf) < tsLen {
		return "", 0, errors.Errorf("log key too short: %d bytes", len(buf))
	}
	n := len(buf) - tsLen
	return string(buf[:n]), binary.BigEndian.Uint64(buf[n:]), nil
}

// EncodeValue is a flag byte, the writer id and the raw value.
func EncodeValue(version values.Version) []byte {
	buf := make([]byte, headerLen+len(version.Val))
	if version.Deleted {
		buf[0] = flagDelete
	} else {
		buf[0] = flagPut
	}
	binary.BigEndian.PutUint64(buf[1:headerLen], version.WriterTxn)
	copy(buf[headerLen:], version.Val)
	return buf
}

func DecodeValue(key string, commitTS uint64, buf []byte) (values.Version, error) {
	if len(buf) < headerLen {
		return values.Version{}, errors.Errorf("log value of %q too short: %d bytes", key, len(buf))
	}
	if buf[0] != flagPut && buf[0] != flagDelete {
		return values.Version{}, errors.Errorf("log value of %q has unknown flag %d", key, buf[0])
	}

	version := values.NewVersion(key, nil, binary.BigEndian.Uint64(buf[1:headerLen]), commitTS)
	version.Deleted = buf[0] == flagDelete
	if !version.Deleted {
		version.Val = append([]byte{}, buf[headerLen:]...)
	}
	version.Committed = true
	return *version, nil
}
