package recov

import (
	"fmt"
	"strconv"
	"time"

	"recov-go/internal/model"
)

// DefaultFileTimeout bounds the time spent restoring a single file.
const DefaultFileTimeout = 30 * time.Second

// Dependencies are the collaborators of a Service. Encryptor, KeyStore,
// Scanner and Recorder are optional.
type Dependencies struct {
	Database    Database
	Vault       Vault
	Staging     StagingArea
	Filesystem  FilesystemManager
	Encryptor   Encryptor
	KeyStore    KeyStore
	Scanner     Scanner
	Recorder    Recorder
	Logger      Logger
	Clock       Clock
	IDGen       IDGenerator
	FileTimeout time.Duration
}

// Service is the orchestration layer that coordinates the manifest store,
// the vault and the filesystem to back up, verify and restore file sets and
// to manage recovery tokens.
type Service struct {
	database    Database
	vault       Vault
	staging     StagingArea
	fsmgr       FilesystemManager
	encryptor   Encryptor
	keystore    KeyStore
	scanner     Scanner
	recorder    Recorder
	logger      Logger
	clock       Clock
	idgen       IDGenerator
	fileTimeout time.Duration

	locks     *keyedMutex
	resolvers map[string]ResourceResolver
}

// NewService creates a Service. Missing optional collaborators are replaced
// with no-op implementations.
func NewService(deps Dependencies) *Service {
	s := &Service{
		database:    deps.Database,
		vault:       deps.Vault,
		staging:     deps.Staging,
		fsmgr:       deps.Filesystem,
		encryptor:   deps.Encryptor,
		keystore:    deps.KeyStore,
		scanner:     deps.Scanner,
		recorder:    deps.Recorder,
		logger:      deps.Logger,
		clock:       deps.Clock,
		idgen:       deps.IDGen,
		fileTimeout: deps.FileTimeout,
		locks:       newKeyedMutex(),
	}
	if s.scanner == nil {
		s.scanner = NoScanner{}
	}
	if s.recorder == nil {
		s.recorder = NopRecorder{}
	}
	if s.logger == nil {
		s.logger = discardLogger{}
	}
	if s.clock == nil {
		s.clock = wallClock{}
	}
	if s.idgen == nil {
		s.idgen = uuidGenerator{}
	}
	if s.fileTimeout <= 0 {
		s.fileTimeout = DefaultFileTimeout
	}
	s.resolvers = map[string]ResourceResolver{
		TokenTypeBackup: &backupResolver{database: s.database},
		TokenTypePath:   &pathResolver{fsmgr: s.fsmgr},
	}
	return s
}

// RegisterResolver adds or replaces the fingerprint resolver for a token type.
func (s *Service) RegisterResolver(tokenType string, r ResourceResolver) {
	s.resolvers[tokenType] = r
}

func nameLockKey(name string) string { return "name:" + name }

func backupLockKey(id int64) string { return "backup:" + strconv.FormatInt(id, 10) }

// liveBackup loads a backup that has not been deleted.
func (s *Service) liveBackup(id int64) (*model.Backup, error) {
	b, err := s.database.FindBackupByID(id)
	if err != nil {
		return nil, fmt.Errorf("finding backup: %w", err)
	}
	if b == nil || b.Deleted {
		return nil, NewError(KindResourceNotFound, "", fmt.Errorf("backup %d not found", id))
	}
	return b, nil
}

// History returns the most recent CLI operations.
func (s *Service) History(limit int) ([]*model.Operation, error) {
	ops, err := s.database.ListOperations(limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}
