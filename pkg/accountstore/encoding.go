package accountstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/ember-shard/shardgate/pkg/accounts"
)

// encodeAccount serializes an Account to bytes using gob.
func encodeAccount(a *accounts.Account) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeAccount deserializes bytes back into an Account.
func decodeAccount(data []byte) (*accounts.Account, error) {
	var a accounts.Account
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// encodeLimit stores an exception limit as an 8-byte big-endian integer.
func encodeLimit(limit int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(limit))
	return buf
}

func decodeLimit(data []byte) int {
	if len(data) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(data))
}
