package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Presence is the bot's current activity line.
type Presence struct {
	Kind string
	Text string
}

// PresenceStore keeps the runtime presence and writes changes back to the config file
// in use, so a restart keeps the last status set by an admin.
type PresenceStore struct {
	mu       sync.RWMutex
	viper    *viper.Viper
	presence Presence
}

// NewPresenceStore seeds the store from loaded configuration.
func NewPresenceStore(configViper *viper.Viper, initial Presence) *PresenceStore {
	return &PresenceStore{viper: configViper, presence: initial}
}

// Current returns the active presence.
func (s *PresenceStore) Current() Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

// Set validates and records a new presence. The in-memory value is updated even when
// persisting to disk fails; the persistence error is returned for logging.
func (s *PresenceStore) Set(kind, text string) error {
	normalizedKind := strings.ToLower(strings.TrimSpace(kind))
	if !ValidPresenceKind(normalizedKind) {
		return fmt.Errorf("config: invalid presence kind %q", kind)
	}

	s.mu.Lock()
	s.presence = Presence{Kind: normalizedKind, Text: text}
	s.mu.Unlock()

	if s.viper == nil {
		return nil
	}
	s.viper.Set(presenceKindKey, normalizedKind)
	s.viper.Set(presenceTextKey, text)
	if s.viper.ConfigFileUsed() == "" {
		return nil
	}
	if err := s.viper.WriteConfig(); err != nil {
		return fmt.Errorf("config: persist presence: %w", err)
	}
	return nil
}
