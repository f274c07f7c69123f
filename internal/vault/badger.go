package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"recov-go/internal/recov"
)

// Key prefixes inside the badger keyspace.
const (
	badgerObjectPrefix   = "o/"
	badgerMetadataPrefix = "m/"
	badgerVersionPrefix  = "v/"
)

// BadgerVault stores objects in an embedded BadgerDB key-value store.
// Objects are held as single values, which suits small and medium files;
// the filesystem or S3 vaults are a better fit for very large archives.
type BadgerVault struct {
	name string
	db   *badger.DB
}

var _ recov.Vault = (*BadgerVault)(nil)

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerVault opens (creating if needed) a badger store in dir.
// An empty dir opens an in-memory store. A nil logger silences badger.
func NewBadgerVault(name, dir string, logger *slog.Logger) (*BadgerVault, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}

	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerVault{name: name, db: db}, nil
}

// Close releases the underlying store.
func (v *BadgerVault) Close() error {
	return v.db.Close()
}

func (v *BadgerVault) PutContent(key string, r io.Reader, size int64) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}
	return v.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerObjectPrefix+key), data)
	})
}

func (v *BadgerVault) GetContent(key string, w io.Writer) error {
	data, err := v.get(badgerObjectPrefix + key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", recov.ErrContentNotFound, key)
		}
		return fmt.Errorf("reading object: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

func (v *BadgerVault) HasContent(key string) (bool, error) {
	err := v.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(badgerObjectPrefix + key))
		return err
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("checking object: %w", err)
}

func (v *BadgerVault) DeleteContent(key string) error {
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerObjectPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

func (v *BadgerVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	if err := checkName("host id", hostID); err != nil {
		return err
	}
	if err := checkName("metadata name", name); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}
	mk := metadataKey(hostID, name)
	return v.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(badgerMetadataPrefix+mk), data); err != nil {
			return err
		}
		return txn.Set([]byte(badgerVersionPrefix+mk), []byte(strconv.FormatInt(version, 10)))
	})
}

func (v *BadgerVault) GetMetadata(hostID string, name string, w io.Writer) error {
	data, err := v.get(badgerMetadataPrefix + metadataKey(hostID, name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("metadata %q not found for host: %s", name, hostID)
		}
		return fmt.Errorf("reading metadata: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (v *BadgerVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	data, err := v.get(badgerVersionPrefix + metadataKey(hostID, name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version: %w", err)
	}
	version, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

func (v *BadgerVault) ValidateSetup() error {
	if v.db.IsClosed() {
		return fmt.Errorf("badger vault %s is closed", v.name)
	}
	return nil
}

func (v *BadgerVault) get(key string) ([]byte, error) {
	var data []byte
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}
