package pending

import (
	"encoding/json"

	"github.com/boltdb/bolt"
)

// overwrite rewrites a stored action verbatim, letting tests backdate
// expiry without sleeping through the real TTL.
func (s *Store) overwrite(a Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(a.Token), data)
	})
}
