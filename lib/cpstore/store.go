package cpstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes      = []byte("nodes")
	bucketContainers = []byte("containers")
	bucketTypes      = []byte("container_types")
	bucketQuotas     = []byte("quotas")
)

// Store is the bbolt-backed control-plane database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "fleetplane.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketContainers, bucketTypes, bucketQuotas} {
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
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *Store) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Node operations. Put upserts.

func (s *Store) PutNode(node *Node) error {
	return s.put(bucketNodes, node.Name, node)
}

func (s *Store) GetNode(name string) (*Node, error) {
	var node Node
	if err := s.get(bucketNodes, name, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *Store) ListNodes() ([]*Node, error) {
	var nodes []*Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *Store) DeleteNode(name string) error {
	return s.delete(bucketNodes, name)
}

// Container operations.

func (s *Store) PutContainer(c *Container) error {
	return s.put(bucketContainers, c.ID, c)
}

// PutContainers persists a batch in one transaction; used by the
// reconciler for bulk status updates.
func (s *Store) PutContainers(containers []*Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		for _, c := range containers {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(c.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetContainer(id string) (*Container, error) {
	var c Container
	if err := s.get(bucketContainers, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListContainers() ([]*Container, error) {
	var containers []*Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			containers = append(containers, &c)
			return nil
		})
	})
	return containers, err
}

func (s *Store) ListContainersByUser(user string) ([]*Container, error) {
	containers, err := s.ListContainers()
	if err != nil {
		return nil, err
	}
	var filtered []*Container
	for _, c := range containers {
		if c.User == user {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func (s *Store) ListContainersByNode(node string) ([]*Container, error) {
	containers, err := s.ListContainers()
	if err != nil {
		return nil, err
	}
	var filtered []*Container
	for _, c := range containers {
		if c.Node == node {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func (s *Store) DeleteContainer(id string) error {
	return s.delete(bucketContainers, id)
}

// ContainerType operations.

func (s *Store) PutContainerType(t *ContainerType) error {
	return s.put(bucketTypes, t.Name, t)
}

func (s *Store) GetContainerType(name string) (*ContainerType, error) {
	var t ContainerType
	if err := s.get(bucketTypes, name, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListContainerTypes() ([]*ContainerType, error) {
	var types []*ContainerType
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTypes).ForEach(func(k, v []byte) error {
			var t ContainerType
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			types = append(types, &t)
			return nil
		})
	})
	return types, err
}

func (s *Store) DeleteContainerType(name string) error {
	return s.delete(bucketTypes, name)
}

// Quota operations.

func (s *Store) PutQuota(q *ResourceQuota) error {
	return s.put(bucketQuotas, q.User, q)
}

func (s *Store) GetQuota(user string) (*ResourceQuota, error) {
	var q ResourceQuota
	if err := s.get(bucketQuotas, user, &q); err != nil {
		return nil, err
	}
	return &q, nil
}
