package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

var (
	bucketParents = []byte("parents")
	bucketResults = []byte("results")
	bucketTraces  = []byte("traces")
)

// BoltStore is the campaign tree's Store backed by bbolt. Each writer
// goroutine only ever inserts disjoint container-id keys, so no
// locking beyond bbolt's own single-writer transaction is needed.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the campaign database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "campaign.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open campaign database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketParents, bucketResults, bucketTraces} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) PutParent(childID, parentID types.ContainerID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketParents).Put([]byte(childID), []byte(parentID))
	})
}

func (s *BoltStore) GetParent(childID types.ContainerID) (types.ContainerID, bool, error) {
	var parent types.ContainerID
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketParents).Get([]byte(childID))
		if v == nil {
			return nil
		}
		found = true
		parent = types.ContainerID(v)
		return nil
	})
	return parent, found, err
}

func (s *BoltStore) PutResult(node *types.CampaignNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(node.ChildID), data)
	})
}

func (s *BoltStore) GetResult(containerID types.ContainerID) (*types.CampaignNode, bool, error) {
	var node types.CampaignNode
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketResults).Get([]byte(containerID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &node)
	})
	if !found {
		return nil, false, err
	}
	return &node, true, err
}

func (s *BoltStore) Tree() (*types.CampaignTree, error) {
	tree := &types.CampaignTree{
		Parents: map[types.ContainerID]types.ContainerID{},
		Results: map[types.ContainerID]*types.CampaignNode{},
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketParents).ForEach(func(k, v []byte) error {
			tree.Parents[types.ContainerID(k)] = types.ContainerID(v)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketResults).ForEach(func(k, v []byte) error {
			var node types.CampaignNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			tree.Results[types.ContainerID(k)] = &node
			return nil
		})
	})
	return tree, err
}

func (s *BoltStore) PutTrace(containerID types.ContainerID, trace types.FileOpTrace) error {
	data, err := json.Marshal(trace)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTraces).Put([]byte(containerID), data)
	})
}

func (s *BoltStore) GetTrace(containerID types.ContainerID) (types.FileOpTrace, bool, error) {
	var trace types.FileOpTrace
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTraces).Get([]byte(containerID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &trace)
	})
	if !found {
		return nil, false, err
	}
	return trace, true, err
}
