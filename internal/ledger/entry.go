package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EntryKind tells what an entry vouches for.
type EntryKind string

const (
	KindStepLog  EntryKind = "step-log"
	KindArtifact EntryKind = "artifact"
)

// Entry is a tamper-evident record for one stored file of a run.
type Entry struct {
	Index       int       `json:"index"`
	Timestamp   string    `json:"timestamp"`
	RunID       string    `json:"runId"`
	Stage       string    `json:"stage"`
	Subject     string    `json:"subject"` // step or artifact name
	Kind        EntryKind `json:"kind"`
	Path        string    `json:"path"`
	ContentHash string    `json:"contentHash"`
	PrevHash    string    `json:"prevHash"`
	Hash        string    `json:"hash"`
	AgentID     string    `json:"agentId"`
	Signature   string    `json:"signature"`
	PubKey      string    `json:"pubKey"`
}

// canonicalData returns the JSON bytes the entry hash is computed over.
// Hash, Signature and PubKey are excluded.
func (e *Entry) canonicalData() ([]byte, error) {
	view := struct {
		Index       int       `json:"index"`
		Timestamp   string    `json:"timestamp"`
		RunID       string    `json:"runId"`
		Stage       string    `json:"stage"`
		Subject     string    `json:"subject"`
		Kind        EntryKind `json:"kind"`
		Path        string    `json:"path"`
		ContentHash string    `json:"contentHash"`
		PrevHash    string    `json:"prevHash"`
		AgentID     string    `json:"agentId"`
	}{
		Index:       e.Index,
		Timestamp:   e.Timestamp,
		RunID:       e.RunID,
		Stage:       e.Stage,
		Subject:     e.Subject,
		Kind:        e.Kind,
		Path:        e.Path,
		ContentHash: e.ContentHash,
		PrevHash:    e.PrevHash,
		AgentID:     e.AgentID,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData.
func (e *Entry) ComputeHash() (string, error) {
	data, err := e.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewEntry constructs an entry and computes its hash (no signature yet).
func NewEntry(index int, runID, stage, subject string, kind EntryKind, path, contentHash, prevHash, agentID string) (*Entry, error) {
	e := &Entry{
		Index:       index,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		RunID:       runID,
		Stage:       stage,
		Subject:     subject,
		Kind:        kind,
		Path:        path,
		ContentHash: contentHash,
		PrevHash:    prevHash,
		AgentID:     agentID,
	}
	h, err := e.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute entry hash: %w", err)
	}
	e.Hash = h
	return e, nil
}
