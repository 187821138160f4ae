// Package profilestore persists the account-alias -> credential profile
// document and the singleton default-SSH-key file, rewriting each whole on
// every mutation (the profiles document by write-temp-then-rename, the key
// file by a direct overwrite) and healing the display order on every read.
package profilestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/types"
)

// Store is a JSON-file-backed ProfileStore. The file is rewritten whole on
// each mutation; readers re-read. Callers that need read-modify-write must
// go through Upsert/Delete/SetOrder/SetRememberedSubnet - no lock is
// exposed, matching the no-locking contract in the component design.
type Store struct {
	path           string
	defaultKeyPath string
	mu             sync.Mutex // serializes the write-temp-then-rename at the store boundary
}

// New creates a Store backed by path (the profiles document) and
// defaultKeyPath (the global fallback SSH key document).
func New(path, defaultKeyPath string) *Store {
	return &Store{path: path, defaultKeyPath: defaultKeyPath}
}

func (s *Store) readDocument() (*types.ProfileDocument, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &types.ProfileDocument{Profiles: map[string]*types.Profile{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profilestore: read %s: %w", s.path, err)
	}

	var doc types.ProfileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupted profiles file self-heals to empty rather than
		// blocking every read, mirroring the original's load_profiles.
		logger := log.WithComponent("profilestore")
		logger.Warn().Err(err).Msg("profiles file unreadable, starting from an empty document")
		return &types.ProfileDocument{Profiles: map[string]*types.Profile{}}, nil
	}
	if doc.Profiles == nil {
		doc.Profiles = map[string]*types.Profile{}
	}
	return &doc, nil
}

func (s *Store) writeDocument(doc *types.ProfileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("profilestore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".profiles-*.tmp")
	if err != nil {
		return fmt.Errorf("profilestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("profilestore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("profilestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("profilestore: rename temp file: %w", err)
	}
	return nil
}

// healOrder returns the order with every alias present in the document but
// absent from it appended in case-insensitive lexical order, and reports
// whether healing changed anything.
func healOrder(doc *types.ProfileDocument) (healed []string, changed bool) {
	present := make(map[string]bool, len(doc.ProfileOrder))
	healed = make([]string, 0, len(doc.Profiles))
	for _, alias := range doc.ProfileOrder {
		if _, ok := doc.Profiles[alias]; !ok {
			changed = true
			continue
		}
		if present[alias] {
			changed = true
			continue
		}
		present[alias] = true
		healed = append(healed, alias)
	}

	var missing []string
	for alias := range doc.Profiles {
		if !present[alias] {
			missing = append(missing, alias)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool {
			return strings.ToLower(missing[i]) < strings.ToLower(missing[j])
		})
		healed = append(healed, missing...)
		changed = true
	}
	return healed, changed
}

// List returns the ordered list of aliases, healing and persisting the
// order if it has drifted from the profile map.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	healed, changed := healOrder(doc)
	if changed {
		doc.ProfileOrder = healed
		if err := s.writeDocument(doc); err != nil {
			return nil, err
		}
	}
	return healed, nil
}

// Get returns the profile for alias, or types.ErrNotFound.
func (s *Store) Get(alias string) (*types.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	p, ok := doc.Profiles[alias]
	if !ok {
		return nil, types.ErrNotFound
	}
	return p, nil
}

// Upsert merges patch into the existing profile for alias (or creates a
// new one), appending alias to the order if new, and filling
// DefaultSSHPublicKey from the global default file when patch does not
// supply one.
func (s *Store) Upsert(alias string, patch *types.Profile) (*types.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}

	existing, exists := doc.Profiles[alias]
	isNew := !exists

	merged := &types.Profile{}
	if existing != nil {
		*merged = *existing
	}
	if patch.TenancyID != "" {
		merged.TenancyID = patch.TenancyID
	}
	if patch.UserID != "" {
		merged.UserID = patch.UserID
	}
	if patch.Fingerprint != "" {
		merged.Fingerprint = patch.Fingerprint
	}
	if patch.Region != "" {
		merged.Region = patch.Region
	}
	if patch.PrivateKey != "" {
		merged.PrivateKey = patch.PrivateKey
	}
	if patch.PrivateKeyPath != "" {
		merged.PrivateKeyPath = patch.PrivateKeyPath
	}
	if patch.Proxy != "" {
		merged.Proxy = patch.Proxy
	}
	if patch.DefaultSubnetOCID != "" {
		merged.DefaultSubnetOCID = patch.DefaultSubnetOCID
	}
	merged.Alias = alias

	if patch.DefaultSSHPublicKey != "" {
		merged.DefaultSSHPublicKey = patch.DefaultSSHPublicKey
	} else if merged.DefaultSSHPublicKey == "" {
		if key, err := s.readDefaultSSHKey(); err == nil && key != "" {
			merged.DefaultSSHPublicKey = key
		}
	}

	doc.Profiles[alias] = merged

	if isNew {
		doc.ProfileOrder = append(doc.ProfileOrder, alias)
	}

	if err := s.writeDocument(doc); err != nil {
		return nil, err
	}
	return merged, nil
}

// Delete removes alias from both the profile map and the order.
func (s *Store) Delete(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	if _, ok := doc.Profiles[alias]; !ok {
		return types.ErrNotFound
	}
	delete(doc.Profiles, alias)

	filtered := doc.ProfileOrder[:0]
	for _, a := range doc.ProfileOrder {
		if a != alias {
			filtered = append(filtered, a)
		}
	}
	doc.ProfileOrder = filtered

	return s.writeDocument(doc)
}

// SetOrder overwrites the persisted display order verbatim.
func (s *Store) SetOrder(order []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	doc.ProfileOrder = order
	return s.writeDocument(doc)
}

// SetRememberedSubnet records the subnet id NetworkBootstrapper resolved
// for alias so future bootstraps can reuse it.
func (s *Store) SetRememberedSubnet(alias, subnetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	p, ok := doc.Profiles[alias]
	if !ok {
		return types.ErrNotFound
	}
	p.DefaultSubnetOCID = subnetID
	return s.writeDocument(doc)
}

func (s *Store) readDefaultSSHKey() (string, error) {
	data, err := os.ReadFile(s.defaultKeyPath)
	if err != nil {
		return "", err
	}
	var doc struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	return doc.Key, nil
}

// SetDefaultSSHKey overwrites the singleton default SSH key document.
func (s *Store) SetDefaultSSHKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(struct {
		Key string `json:"key"`
	}{Key: key})
	if err != nil {
		return err
	}
	return os.WriteFile(s.defaultKeyPath, data, 0o644)
}

// DefaultSSHKey returns the singleton default SSH key document's content.
func (s *Store) DefaultSSHKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDefaultSSHKey()
}
