// Package audit records vault and credential operations in an append-only
// JSONL log. Every record carries an HMAC over its content and the previous
// record's HMAC, so edits, deletions and reordering are detectable.
// Credential identities are stored as keyed hashes, never in clear text.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/hkdf"
)

// Operation types.
const (
	OpVaultInit         = "vault.init"
	OpVaultUnlock       = "vault.unlock"
	OpVaultUnlockFailed = "vault.unlock_failed"
	OpVaultLock         = "vault.lock"

	OpCredentialGet    = "credential.get"
	OpCredentialPut    = "credential.put"
	OpCredentialDelete = "credential.delete"
	OpCredentialExport = "credential.export"

	OpIndexMigrate = "index.migrate"
)

// Sources identify where an operation originated.
const (
	SourceCLI     = "cli"
	SourceWatcher = "watcher"
)

// Results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

const (
	genesisHash = "genesis"
	metaFile    = "audit.meta"
	hkdfInfo    = "otp-keys-audit-v1"
)

// ErrKeyNotSet is returned when logging or verifying before SetHMACKey.
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// Event is a single audit record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"`

	Operation string `json:"op"`
	// Identity is the HMAC of "username:issuer" when the operation targets a credential.
	Identity string `json:"identity,omitempty"`

	Source    string `json:"source"`
	SessionID string `json:"session_id"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]string `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Logger appends chained events to monthly files under path.
type Logger struct {
	path      string
	mu        sync.Mutex
	hmacKey   []byte
	sequence  int64
	prevHash  string
	sessionID string
}

// NewLogger creates a logger writing to path. Nothing is written until
// SetHMACKey has been called.
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		prevHash:  genesisHash,
		sessionID: uuid.NewString(),
	}
}

// Path returns the audit log directory.
func (l *Logger) Path() string {
	return l.path
}

// SetHMACKey derives the chain key from the vault data key with HKDF-SHA256
// and loads the persisted chain position.
func (l *Logger) SetHMACKey(masterKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, sha256.Size)
	if _, err := hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)).Read(key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key

	// A missing or unreadable meta file starts a new chain.
	if err := l.loadChainState(); err != nil {
		l.sequence = 0
		l.prevHash = genesisHash
	}
	return nil
}

// Log appends one event. identity may be empty.
func (l *Logger) Log(op, source, result, identity string, errInfo *ErrorInfo, ctx map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(l.path, 0o700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	event := Event{
		Version:   1,
		ID:        id.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}
	if identity != "" {
		event.Identity = l.mac([]byte(identity))
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.mac(recordData(&event))

	if err := l.writeEvent(&event); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC

	return l.saveChainState()
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, source, identity string) error {
	return l.Log(op, source, ResultSuccess, identity, nil, nil)
}

// LogError records a failed operation.
func (l *Logger) LogError(op, source, identity, code, msg string) error {
	return l.Log(op, source, ResultError, identity, &ErrorInfo{Code: code, Message: msg}, nil)
}

// IdentityHash returns the value stored in Event.Identity for identity, so
// callers can filter events for one credential.
func (l *Logger) IdentityHash(identity string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return "", ErrKeyNotSet
	}
	return l.mac([]byte(identity)), nil
}

func (l *Logger) mac(data []byte) string {
	m := hmac.New(sha256.New, l.hmacKey)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}

// recordData serialises every field covered by the chain HMAC.
func recordData(e *Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%s|%s|%s|%s|%s|%s|",
		e.Version, e.ID, e.Timestamp, e.Operation, e.Identity, e.Source, e.SessionID, e.Result)
	if e.Error != nil {
		fmt.Fprintf(&b, "%s|%s", e.Error.Code, e.Error.Message)
	}
	b.WriteByte('|')
	keys := lo.Keys(e.Context)
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, e.Context[k])
	}
	fmt.Fprintf(&b, "|%d|%s", e.Chain.Sequence, e.Chain.PrevHash)
	return []byte(b.String())
}

func (l *Logger) writeEvent(event *Event) error {
	name := filepath.Join(l.path, time.Now().UTC().Format("2006-01")+".jsonl")

	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFile))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, metaFile), data, 0o600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult summarises a chain verification.
type VerifyResult struct {
	Valid   bool     `json:"valid"`
	Records int      `json:"records"`
	Errors  []string `json:"errors,omitempty"`
}

// Verify walks every log file in order and checks sequence numbers, links
// and HMACs.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true, Records: len(events)}
	fail := func(format string, args ...any) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	prev := genesisHash
	for i, e := range events {
		seq := int64(i + 1)
		if e.Chain.Sequence != seq {
			fail("sequence gap at record %s: expected %d, got %d", e.ID, seq, e.Chain.Sequence)
		}
		if e.Chain.PrevHash != prev {
			fail("chain broken at record %s", e.ID)
		}
		if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.mac(recordData(&e)))) {
			fail("HMAC mismatch at record %s: possible tampering", e.ID)
		}
		prev = e.Chain.HMAC
	}
	return result, nil
}

// ListEvents returns events newer than since (zero means all), keeping the
// most recent limit entries when limit > 0.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		events = lo.Filter(events, func(e Event, _ int) bool {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			return err == nil && ts.After(since)
		})
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically.
	slices.Sort(files)

	var events []Event
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				return nil, fmt.Errorf("audit: failed to parse %s: %w", filepath.Base(file), err)
			}
			events = append(events, e)
		}
	}
	return events, nil
}
