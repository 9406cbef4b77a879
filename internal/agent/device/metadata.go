package device

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MetadataKey is the single key in the host's key/value store holding the
// serialized metadata snapshot.
const MetadataKey = "@bundlenudge:metadata"

const maxCrashCount = 100

// VersionInfo records the native app version the agent last observed.
type VersionInfo struct {
	AppVersion  string    `json:"appVersion"`
	BuildNumber string    `json:"buildNumber"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// VerificationState tracks the post-install verification window.
type VerificationState struct {
	AppReady     bool       `json:"appReady"`
	HealthPassed bool       `json:"healthPassed"`
	VerifiedAt   *time.Time `json:"verifiedAt,omitempty"`
}

// Metadata is the single semantic record the agent persists atomically. At
// most one of CurrentVersion, PreviousVersion, PendingVersion describes the
// version under verification at a time.
type Metadata struct {
	DeviceID           string            `json:"deviceId"`
	AccessToken        string            `json:"accessToken,omitempty"`
	CurrentVersion     string            `json:"currentVersion,omitempty"`
	CurrentVersionHash string            `json:"currentVersionHash,omitempty"`
	PreviousVersion    string            `json:"previousVersion,omitempty"`
	PendingVersion     string            `json:"pendingVersion,omitempty"`
	PendingUpdateFlag  bool              `json:"pendingUpdateFlag,omitempty"`
	CrashCount         int               `json:"crashCount"`
	LastCrashTime      *time.Time        `json:"lastCrashTime,omitempty"`
	Verification       VerificationState `json:"verificationState"`
	AppVersionInfo     *VersionInfo      `json:"appVersionInfo,omitempty"`
	BundleHashes       map[string]string `json:"bundleHashes"`
}

// NewMetadata returns the default record with a fresh device id.
func NewMetadata() Metadata {
	return Metadata{
		DeviceID:     uuid.NewString(),
		BundleHashes: map[string]string{},
	}
}

func (m *Metadata) validate() error {
	if m.DeviceID == "" {
		return fmt.Errorf("empty device id")
	}
	if m.CrashCount < 0 || m.CrashCount > maxCrashCount {
		return fmt.Errorf("crash count %d out of range", m.CrashCount)
	}
	if m.BundleHashes == nil {
		m.BundleHashes = map[string]string{}
	}
	return nil
}

// MetadataStore serializes all reads and writes of the metadata snapshot.
// The in-memory copy only advances after a successful persist, so readers
// always see the last fully persisted snapshot.
type MetadataStore struct {
	mu      sync.Mutex
	kv      KeyValue
	current Metadata
	loaded  bool
}

func NewMetadataStore(kv KeyValue) *MetadataStore {
	return &MetadataStore{kv: kv}
}

// Load reads the snapshot from storage. A corrupt or invalid payload resets
// to defaults and persists the reset; a read error falls through to
// defaults without persisting. Idempotent.
func (s *MetadataStore) Load() (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.current.clone(), nil
	}

	raw, err := s.kv.Get(MetadataKey)
	if err != nil {
		s.current = NewMetadata()
		s.loaded = true
		return s.current.clone(), nil
	}

	if len(raw) == 0 {
		s.current = NewMetadata()
		if err := s.persistLocked(s.current); err != nil {
			return Metadata{}, err
		}
		s.loaded = true
		return s.current.clone(), nil
	}

	var m Metadata
	if err := json.Unmarshal(raw, &m); err == nil {
		if verr := m.validate(); verr == nil {
			s.current = m
			s.loaded = true
			return s.current.clone(), nil
		}
	}

	// corrupt payload: reset to the default schema with a fresh device id
	s.current = NewMetadata()
	if err := s.persistLocked(s.current); err != nil {
		return Metadata{}, err
	}
	s.loaded = true
	return s.current.clone(), nil
}

// Get returns a copy of the last persisted snapshot.
func (s *MetadataStore) Get() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Update applies mutate to a copy of the snapshot and persists it. On
// persist failure the in-memory copy is left untouched and the error is
// surfaced.
func (s *MetadataStore) Update(mutate func(*Metadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	mutate(&next)
	if err := next.validate(); err != nil {
		return err
	}
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.current = next
	return nil
}

func (s *MetadataStore) persistLocked(m Metadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := s.kv.Set(MetadataKey, raw); err != nil {
		return fmt.Errorf("persisting metadata: %w", err)
	}
	return nil
}

func (m Metadata) clone() Metadata {
	out := m
	out.BundleHashes = make(map[string]string, len(m.BundleHashes))
	for k, v := range m.BundleHashes {
		out.BundleHashes[k] = v
	}
	if m.LastCrashTime != nil {
		t := *m.LastCrashTime
		out.LastCrashTime = &t
	}
	if m.Verification.VerifiedAt != nil {
		t := *m.Verification.VerifiedAt
		out.Verification.VerifiedAt = &t
	}
	if m.AppVersionInfo != nil {
		v := *m.AppVersionInfo
		out.AppVersionInfo = &v
	}
	return out
}
