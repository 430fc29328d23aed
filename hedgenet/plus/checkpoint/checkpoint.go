package checkpoint

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/buntdb"
	"gorgonia.org/tensor"
)

// FileName is the store file kept inside a checkpoint directory.
const FileName = "trade_model.ckpt"

const (
	tensorPrefix = "tensor:"
	metaPrefix   = "meta:"
)

// ErrNotFound is returned when a checkpoint or one of its entries is missing.
var ErrNotFound = errors.New("checkpoint not found")

// Store holds named tensors and string metadata in a buntdb file.
type Store struct {
	db     *buntdb.DB
	dbPath string
}

// Path returns the store file of the checkpoint directory dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Create opens the store in dir for writing, creating dir when needed and
// dropping whatever an earlier checkpoint left there.
func Create(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	s, err := open(Path(dir))
	if err != nil {
		return nil, err
	}
	if err := s.db.Update(func(tx *buntdb.Tx) error {
		return tx.DeleteAll()
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("reset checkpoint: %w", err)
	}
	return s, nil
}

// Open opens an existing checkpoint in dir.
func Open(dir string) (*Store, error) {
	path := Path(dir)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	return open(path)
}

func open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	// 只在 Close 时落盘，检查点一次性写入
	if err := db.SetConfig(buntdb.Config{
		SyncPolicy:         buntdb.Never,
		AutoShrinkDisabled: true,
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure checkpoint %s: %w", path, err)
	}
	return &Store{db: db, dbPath: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WriteTensors stores every tensor under its name in one transaction.
func (s *Store) WriteTensors(tensors map[string]*tensor.Dense) error {
	encoded := make(map[string]string, len(tensors))
	for name, t := range tensors {
		var buf bytes.Buffer
		if err := t.WriteNpy(&buf); err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		encoded[name] = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		for name, value := range encoded {
			if _, _, err := tx.Set(tensorPrefix+name, value, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tensor reads back the tensor stored under name.
func (s *Store) Tensor(name string) (*tensor.Dense, error) {
	value, err := s.get(tensorPrefix + name)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	t := new(tensor.Dense)
	if err := t.ReadNpy(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return t, nil
}

// Names lists the stored tensor names in key order.
func (s *Store) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(tensorPrefix+"*", func(key, _ string) bool {
			names = append(names, strings.TrimPrefix(key, tensorPrefix))
			return true
		})
	})
	return names, err
}

func (s *Store) SetMeta(key, value string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(metaPrefix+key, value, nil)
		return err
	})
}

func (s *Store) Meta(key string) (string, error) {
	return s.get(metaPrefix + key)
}

func (s *Store) get(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, err
}
