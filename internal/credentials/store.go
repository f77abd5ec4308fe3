package credentials

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Record holds one provider credential. The secret is never rendered in
// full: String and MarshalJSON both produce the masked form.
type Record struct {
	ProviderTag string
	Secret      string
	FormatHint  string
	AcquiredAt  time.Time
}

// Masked renders the secret as <first4>…<last4>.
func (r Record) Masked() string {
	if len(r.Secret) <= 8 {
		return strings.Repeat("*", len(r.Secret))
	}
	return r.Secret[:4] + "…" + r.Secret[len(r.Secret)-4:]
}

func (r Record) String() string {
	return r.ProviderTag + ":" + r.Masked()
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ProviderTag string    `json:"provider_tag"`
		Secret      string    `json:"secret"`
		FormatHint  string    `json:"format_hint,omitempty"`
		AcquiredAt  time.Time `json:"acquired_at"`
	}{r.ProviderTag, r.Masked(), r.FormatHint, r.AcquiredAt})
}

// Store is an in-memory credential store keyed by provider tag.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	logger  *logrus.Logger
}

// NewStore creates an empty credential store.
func NewStore(logger *logrus.Logger) *Store {
	return &Store{
		records: make(map[string]Record),
		logger:  logger,
	}
}

// LoadFromEnv loads {TAG}_API_KEY for each given provider tag. The tag is
// upper-cased for the lookup; a missing variable is not an error.
func (s *Store) LoadFromEnv(tags ...string) int {
	loaded := 0
	for _, tag := range tags {
		key := os.Getenv(strings.ToUpper(tag) + "_API_KEY")
		if key == "" {
			continue
		}
		s.Set(tag, key, "")
		loaded++
	}
	return loaded
}

// Set stores a credential for a provider. If pattern is non-empty it is
// applied as a format check; a mismatch logs a warning but the key is kept,
// so new key schemes still work.
func (s *Store) Set(tag, secret, pattern string) {
	rec := Record{
		ProviderTag: tag,
		Secret:      secret,
		FormatHint:  pattern,
		AcquiredAt:  time.Now(),
	}

	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			s.logger.WithError(err).WithField("provider", tag).Warn("Invalid credential format pattern")
		} else if !re.MatchString(secret) {
			s.logger.WithFields(logrus.Fields{
				"provider": tag,
				"key":      rec.Masked(),
			}).Warn("Credential does not match the provider's expected key format")
		}
	}

	s.mu.Lock()
	s.records[tag] = rec
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"provider": tag,
		"key":      rec.Masked(),
	}).Info("Credential stored")
}

// Get returns the credential for a provider tag.
func (s *Store) Get(tag string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.records[tag]
	s.mu.RUnlock()
	if !ok {
		return Record{}, types.NewError(types.KindAuth, "no credential for provider "+tag)
	}
	return rec, nil
}

// Has reports whether a credential exists for the provider tag.
func (s *Store) Has(tag string) bool {
	s.mu.RLock()
	_, ok := s.records[tag]
	s.mu.RUnlock()
	return ok
}

// Delete removes a provider's credential.
func (s *Store) Delete(tag string) {
	s.mu.Lock()
	delete(s.records, tag)
	s.mu.Unlock()
}

// Tags returns the provider tags with stored credentials.
func (s *Store) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.records))
	for tag := range s.records {
		tags = append(tags, tag)
	}
	return tags
}
