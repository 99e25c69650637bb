package encryption

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/supportchat/internal/store"
	"go.uber.org/zap"
)

// DefaultMaxPreviousKeys is how many superseded versions stay decryptable.
const DefaultMaxPreviousKeys = 3

// KeyStore persists key records. *store.DB implements it.
type KeyStore interface {
	InsertKey(k *store.KeyRecord) error
	ListKeys(conversationID string) ([]store.KeyRecord, error)
	DeleteKeysBelow(conversationID string, minVersion int) error
}

// Envelope is an encrypted message body as carried on the wire.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	KeyVersion int    `json:"keyVersion"`
}

// Options configures a Manager.
type Options struct {
	// MaxPreviousKeys bounds retained superseded versions; 0 means the default.
	MaxPreviousKeys int
	Clock           clockwork.Clock
	Logger          *zap.Logger
}

// Manager owns the key lifecycle of every conversation it is asked about.
// Raw key material never leaves this package.
type Manager struct {
	mu          sync.Mutex
	keys        KeyStore
	provider    Provider
	clock       clockwork.Clock
	logger      *zap.Logger
	maxPrevious int
	rings       map[string]*keyring
}

type keyring struct {
	current  int
	versions map[int]versionedKey
}

type versionedKey struct {
	key       Key
	createdAt time.Time
}

// NewManager creates a key manager. keys may be nil for a purely in-memory manager.
func NewManager(keys KeyStore, provider Provider, opts Options) *Manager {
	if provider == nil {
		provider = ChaChaProvider{}
	}
	if opts.MaxPreviousKeys <= 0 {
		opts.MaxPreviousKeys = DefaultMaxPreviousKeys
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		keys:        keys,
		provider:    provider,
		clock:       opts.Clock,
		logger:      logger,
		maxPrevious: opts.MaxPreviousKeys,
		rings:       make(map[string]*keyring),
	}
}

// HasKey reports whether the conversation has a current key.
func (m *Manager) HasKey(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, err := m.ring(conversationID)
	return err == nil && ring.current > 0
}

// SetupEncryption returns the current version, creating the first key if needed.
func (m *Manager) SetupEncryption(conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring, err := m.ring(conversationID)
	if err != nil {
		return 0, &EncryptionError{Op: "setup", ConversationID: conversationID, Err: err}
	}
	if ring.current > 0 {
		return ring.current, nil
	}
	v, err := m.addVersion(conversationID, ring)
	if err != nil {
		return 0, &EncryptionError{Op: "setup", ConversationID: conversationID, Err: err}
	}
	m.logger.Info("encryption key created", zap.String("conversation_id", conversationID), zap.Int("key_version", v))
	return v, nil
}

// CurrentVersion returns the version new ciphertext is produced under.
func (m *Manager) CurrentVersion(conversationID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, err := m.ring(conversationID)
	if err != nil || ring.current == 0 {
		return 0, false
	}
	return ring.current, true
}

// ShouldRotate reports whether the current key is at least period old.
func (m *Manager) ShouldRotate(conversationID string, period time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, err := m.ring(conversationID)
	if err != nil || ring.current == 0 {
		return false
	}
	created := ring.versions[ring.current].createdAt
	return m.clock.Now().Sub(created) >= period
}

// Rotate generates a new current key. The previous key stays available for
// decryption until it falls out of the retention window.
func (m *Manager) Rotate(conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring, err := m.ring(conversationID)
	if err != nil {
		return 0, &EncryptionError{Op: "rotate", ConversationID: conversationID, Err: err}
	}
	v, err := m.addVersion(conversationID, ring)
	if err != nil {
		return 0, &EncryptionError{Op: "rotate", ConversationID: conversationID, Err: err}
	}
	m.evict(conversationID, ring)
	m.logger.Info("encryption key rotated", zap.String("conversation_id", conversationID), zap.Int("key_version", v))
	return v, nil
}

// Versions lists the retained key versions, oldest first.
func (m *Manager) Versions(conversationID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, err := m.ring(conversationID)
	if err != nil {
		return nil
	}
	out := make([]int, 0, len(ring.versions))
	for v := range ring.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Encrypt seals plaintext under the conversation's current key.
func (m *Manager) Encrypt(conversationID, plaintext string) (Envelope, error) {
	m.mu.Lock()
	ring, err := m.ring(conversationID)
	if err == nil && ring.current == 0 {
		err = ErrNoKey
	}
	if err != nil {
		m.mu.Unlock()
		return Envelope{}, &EncryptionError{Op: "encrypt", ConversationID: conversationID, Err: err}
	}
	version := ring.current
	key := ring.versions[version].key
	m.mu.Unlock()

	sealed, err := m.provider.Encrypt([]byte(plaintext), key, additionalData(conversationID, version))
	if err != nil {
		return Envelope{}, &EncryptionError{Op: "encrypt", ConversationID: conversationID, Err: err}
	}
	return Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(sealed.IV),
		KeyVersion: version,
	}, nil
}

// Decrypt opens env with the exact key version it names.
func (m *Manager) Decrypt(conversationID string, env Envelope) (string, error) {
	fail := func(reason string, err error) (string, error) {
		return "", &DecryptionError{ConversationID: conversationID, KeyVersion: env.KeyVersion, Reason: reason, Err: err}
	}

	m.mu.Lock()
	ring, err := m.ring(conversationID)
	if err != nil {
		m.mu.Unlock()
		return fail("load keys", err)
	}
	vk, ok := ring.versions[env.KeyVersion]
	m.mu.Unlock()
	if !ok {
		return fail("key version unavailable", nil)
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return fail("invalid ciphertext encoding", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return fail("invalid iv encoding", err)
	}
	pt, err := m.provider.Decrypt(Sealed{Ciphertext: ct, IV: iv}, vk.key, additionalData(conversationID, env.KeyVersion))
	if err != nil {
		return fail("integrity check failed", err)
	}
	return string(pt), nil
}

// Forget drops the cached keys of a conversation. Stored records are kept.
func (m *Manager) Forget(conversationID string) {
	m.mu.Lock()
	delete(m.rings, conversationID)
	m.mu.Unlock()
}

// ring returns the cached keyring, loading it from the store on first use.
// Caller holds mu.
func (m *Manager) ring(conversationID string) (*keyring, error) {
	if r, ok := m.rings[conversationID]; ok {
		return r, nil
	}
	r := &keyring{versions: make(map[int]versionedKey)}
	if m.keys != nil {
		records, err := m.keys.ListKeys(conversationID)
		if err != nil {
			return nil, fmt.Errorf("load keys: %w", err)
		}
		for _, rec := range records {
			r.versions[rec.Version] = versionedKey{
				key:       Key{material: rec.Material},
				createdAt: time.UnixMilli(rec.CreatedAt),
			}
			if rec.Current {
				r.current = rec.Version
			}
		}
	}
	m.rings[conversationID] = r
	return r, nil
}

// addVersion generates, persists and installs the next key version. Caller holds mu.
func (m *Manager) addVersion(conversationID string, r *keyring) (int, error) {
	key, err := m.provider.GenerateKey()
	if err != nil {
		return 0, err
	}
	next := r.current + 1
	for v := range r.versions {
		if v >= next {
			next = v + 1
		}
	}
	now := m.clock.Now()
	if m.keys != nil {
		if err := m.keys.InsertKey(&store.KeyRecord{
			ConversationID: conversationID,
			Version:        next,
			Material:       key.material,
			Current:        true,
			CreatedAt:      now.UnixMilli(),
		}); err != nil {
			return 0, fmt.Errorf("persist key: %w", err)
		}
	}
	r.versions[next] = versionedKey{key: key, createdAt: now}
	r.current = next
	return next, nil
}

// evict drops versions older than the retention window. Caller holds mu.
func (m *Manager) evict(conversationID string, r *keyring) {
	minVersion := r.current - m.maxPrevious
	for v := range r.versions {
		if v < minVersion {
			delete(r.versions, v)
		}
	}
	if m.keys != nil {
		if err := m.keys.DeleteKeysBelow(conversationID, minVersion); err != nil {
			m.logger.Warn("failed to prune key versions", zap.Error(err), zap.String("conversation_id", conversationID))
		}
	}
}

func additionalData(conversationID string, version int) []byte {
	return []byte(conversationID + "/" + strconv.Itoa(version))
}
