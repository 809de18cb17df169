// Package ledger keeps a signed, hash-chained record of every step log and
// archived artifact so that stored run outputs can be checked for tampering.
package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"stageci/internal/core"
	"stageci/pkg/utils"
)

// Ledger is an append-only JSON lines file of entries.
type Ledger struct {
	mu      sync.Mutex
	entries []*Entry
	path    string

	agentID string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

// Open loads an existing ledger file or creates an empty one.
func Open(path string) (*Ledger, error) {
	l := &Ledger{entries: make([]*Entry, 0), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
		return l, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode ledger entry %d: %w", len(l.entries), err)
		}
		l.entries = append(l.entries, &e)
	}
	return l, nil
}

// WithSigner sets the identity and key used by Record.
func (l *Ledger) WithSigner(agentID string, priv ed25519.PrivateKey, pub ed25519.PublicKey) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agentID, l.priv, l.pub = agentID, priv, pub
	return l
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// appendLocked signs e with priv, stores the hex pubkey, persists it and keeps
// it in memory. l.mu must be held.
func (l *Ledger) appendLocked(e *Entry, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	h, err := e.ComputeHash()
	if err != nil {
		return fmt.Errorf("cannot recompute entry hash: %w", err)
	}
	e.Hash = h

	if n := len(l.entries); n > 0 && e.PrevHash != l.entries[n-1].Hash {
		return fmt.Errorf("prevHash mismatch: expected %s, got %s", l.entries[n-1].Hash, e.PrevHash)
	}
	if len(priv) == 0 {
		return errors.New("private key is empty, cannot sign entry")
	}
	e.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(e.Hash)))
	e.PubKey = hex.EncodeToString(pub)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}

	l.entries = append(l.entries, e)
	return nil
}

// Record hashes the file at path and appends a signed entry for it.
func (l *Ledger) Record(runID, stage, subject string, kind EntryKind, path string) (*Entry, error) {
	sum, err := utils.HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	prev := ""
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	e, err := NewEntry(len(l.entries), runID, stage, subject, kind, path, sum, prev, l.agentID)
	if err != nil {
		return nil, err
	}
	if err := l.appendLocked(e, l.priv, l.pub); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordArtifact records one archived artifact file.
func (l *Ledger) RecordArtifact(runID, stage string, a core.Artifact, file string) error {
	_, err := l.Record(runID, stage, a.Name, KindArtifact, file)
	return err
}

// RecordStepLog records the stored log of one step.
func (l *Ledger) RecordStepLog(runID, stage, step, path string) error {
	_, err := l.Record(runID, stage, step, KindStepLog, path)
	return err
}

// Entries returns the in-memory entries in order.
func (l *Ledger) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Entry(nil), l.entries...)
}

// ForRun returns the entries of one run.
func (l *Ledger) ForRun(runID string) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Entry
	for _, e := range l.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}
