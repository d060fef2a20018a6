// Package pending stores approval-prompt tokens: when the orchestrator
// asks the operator to approve tool execution, the prompt carries an
// opaque token the transport echoes back on resolution, so the reply
// can be matched to the exact session and intent that raised it.
package pending

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
)

// TTL is how long a token stays resolvable.
const TTL = 15 * time.Minute

var bucketPending = []byte("pending_actions")

// Action is the state bound to one token.
type Action struct {
	Token      string          `json:"token"`
	OperatorID string          `json:"operator_id"`
	GhostName  string          `json:"ghost_name"`
	SessionID  string          `json:"session_id"`
	ExternalID string          `json:"external_id,omitempty"`
	ChannelID  string          `json:"channel_id,omitempty"`
	Intent     string          `json:"intent"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Store persists pending actions in a boltdb bucket so a prompt raised
// before a restart can still be resolved after it.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the token store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open pending store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put stores the action with the standard TTL, allocating a fresh
// token unless the caller already has one (the approval gate allocates
// its own token and the transport's record must share it).
func (s *Store) Put(a Action) (string, error) {
	if a.Token == "" {
		a.Token = uuid.NewString()
	}
	a.ExpiresAt = time.Now().Add(TTL)
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal pending action: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(a.Token), data)
	})
	if err != nil {
		return "", fmt.Errorf("store pending action: %w", err)
	}
	return a.Token, nil
}

// ErrTokenExpired distinguishes a stale token from an unknown one, so
// the transport can tell the operator which happened.
type ErrTokenExpired struct{ Token string }

func (e *ErrTokenExpired) Error() string {
	return fmt.Sprintf("pending action %q has expired", e.Token)
}

// Resolve consumes a token: the action is returned and deleted in one
// transaction, so a token resolves at most once.
func (s *Store) Resolve(token string) (*Action, error) {
	var a Action
	var expired bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		data := b.Get([]byte(token))
		if data == nil {
			return fmt.Errorf("unknown pending action %q", token)
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("unmarshal pending action: %w", err)
		}
		if err := b.Delete([]byte(token)); err != nil {
			return err
		}
		// Report expiry after the commit: an error returned here would
		// roll back the Delete and leave the token in the bucket.
		expired = time.Now().After(a.ExpiresAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, &ErrTokenExpired{Token: token}
	}
	return &a, nil
}

// Sweep deletes every expired token and returns how many were removed.
// Called periodically; Resolve also rejects expired tokens on its own,
// so a missed sweep only costs space.
func (s *Store) Sweep() (int, error) {
	now := time.Now()
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var a Action
			if err := json.Unmarshal(v, &a); err != nil || now.After(a.ExpiresAt) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep pending actions: %w", err)
	}
	return removed, nil
}
