// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists group state and message history to disk: group
// membership in a single JSON state file, messages appended to
// per-conversation JSONL logs (spec §4.8, grounded on the original
// ChatStore's state.json + direct_/group_ JSONL layout).
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanline/core/internal/group"
)

// Message is one logged chat line, direct or group, in the shape
// persisted to a JSONL file.
type Message struct {
	DeviceID  string `json:"device_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Store is the persistence contract the connection manager depends on.
// A Store implementation owns its own concurrency control; callers may
// invoke any method from any goroutine.
type Store interface {
	CreateGroup(name string, members []string, masterID string) (string, error)
	UpdateGroup(groupID string, g group.Group) error
	GetGroup(groupID string) (group.Group, bool)
	GetGroups() []group.Group
	AppendDirect(peerID string, msg Message) error
	AppendGroup(groupID string, msg Message) error
	ReadDirect(peerID string, limit int) ([]Message, error)
	ReadGroup(groupID string, limit int) ([]Message, error)
}

const (
	stateFileName  = "state.json"
	directPrefix   = "direct_"
	groupPrefix    = "group_"
	jsonlExtension = ".jsonl"
)

type state struct {
	Groups map[string]group.Group `json:"groups"`
}

// FileStore is the reference Store: a JSON state file for group
// metadata and append-only JSONL logs for messages, all rooted under
// dataDir. A single mutex serializes access, matching the teacher's
// load-mutate-save pattern rather than attempting fine-grained locking
// the original implementation never needed either.
type FileStore struct {
	mu      sync.Mutex
	dataDir string
	st      state
}

// NewFileStore loads (or initializes) the state file under dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir %q: %w", dataDir, err)
	}
	fs := &FileStore{dataDir: dataDir, st: state{Groups: map[string]group.Group{}}}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) statePath() string {
	return filepath.Join(fs.dataDir, stateFileName)
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read state: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt state file is treated as empty, matching the Python
		// original's try/except around json.load.
		return nil
	}
	if st.Groups == nil {
		st.Groups = map[string]group.Group{}
	}
	fs.st = st
	return nil
}

// save must be called with fs.mu held.
func (fs *FileStore) save() error {
	data, err := json.MarshalIndent(fs.st, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}
	tmp := fs.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write state: %w", err)
	}
	if err := os.Rename(tmp, fs.statePath()); err != nil {
		return fmt.Errorf("store: replace state: %w", err)
	}
	return nil
}

// CreateGroup allocates a new group_id, dedupes and sorts members, and
// persists it with epoch set to the current time.
func (fs *FileStore) CreateGroup(name string, members []string, masterID string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	groupID := uuid.NewString()
	fs.st.Groups[groupID] = group.Group{
		GroupID:  groupID,
		Name:     name,
		Members:  dedupeSorted(members),
		MasterID: masterID,
		Epoch:    time.Now().Unix(),
	}
	if err := fs.save(); err != nil {
		return "", err
	}
	return groupID, nil
}

// UpdateGroup overwrites the stored group state for groupID, re-sorting
// and deduping members, and persists the change. A groupID not yet
// known is silently created, matching CreateGroup's shape.
func (fs *FileStore) UpdateGroup(groupID string, g group.Group) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	g.GroupID = groupID
	g.Members = dedupeSorted(g.Members)
	fs.st.Groups[groupID] = g
	return fs.save()
}

// GetGroup returns the stored group, or false if unknown.
func (fs *FileStore) GetGroup(groupID string) (group.Group, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	g, ok := fs.st.Groups[groupID]
	return g, ok
}

// GetGroups returns a snapshot of every known group.
func (fs *FileStore) GetGroups() []group.Group {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]group.Group, 0, len(fs.st.Groups))
	for _, g := range fs.st.Groups {
		out = append(out, g)
	}
	return out
}

// AppendDirect appends msg to the direct-conversation log for peerID.
func (fs *FileStore) AppendDirect(peerID string, msg Message) error {
	return fs.appendLine(directPrefix+sanitizeID(peerID)+jsonlExtension, msg)
}

// AppendGroup appends msg to groupID's conversation log.
func (fs *FileStore) AppendGroup(groupID string, msg Message) error {
	return fs.appendLine(groupPrefix+sanitizeID(groupID)+jsonlExtension, msg)
}

func (fs *FileStore) appendLine(filename string, msg Message) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: encode message: %w", err)
	}
	path := filepath.Join(fs.dataDir, filename)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %q: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("store: append %q: %w", path, err)
	}
	return nil
}

// ReadDirect returns up to limit most-recent messages from peerID's
// direct log, oldest first. limit <= 0 returns the entire log.
func (fs *FileStore) ReadDirect(peerID string, limit int) ([]Message, error) {
	return fs.readLines(directPrefix+sanitizeID(peerID)+jsonlExtension, limit)
}

// ReadGroup returns up to limit most-recent messages from groupID's log.
func (fs *FileStore) ReadGroup(groupID string, limit int) ([]Message, error) {
	return fs.readLines(groupPrefix+sanitizeID(groupID)+jsonlExtension, limit)
}

func (fs *FileStore) readLines(filename string, limit int) ([]Message, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := filepath.Join(fs.dataDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %q: %w", path, err)
	}

	var all []Message
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var m Message
		if err := dec.Decode(&m); err != nil {
			continue
		}
		all = append(all, m)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func dedupeSorted(members []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// sanitizeID keeps path-unsafe characters out of a peer/group ID used
// as part of a filename; IDs in this system are UUIDs or device_ids so
// this is a defensive clamp, not the primary validation point.
func sanitizeID(id string) string {
	return filepath.Base(id)
}
