package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/activity"
	"github.com/certdispatch/certdispatch/internal/store"
)

// Service is the token store. Every operation reads the whole collection,
// applies its change and writes it back under the service mutex and the
// backend's atomic update.
type Service struct {
	mu       sync.Mutex
	tokens   *store.Collection[Token]
	activity activity.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// Config holds configuration for the token service.
type Config struct {
	Store     store.Store
	Namespace string
	Activity  activity.Recorder
	Logger    zerolog.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewService creates a token service.
func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	recorder := cfg.Activity
	if recorder == nil {
		recorder = activity.Discard{}
	}
	logger := cfg.Logger.With().Str("component", "token").Logger()
	return &Service{
		tokens:   store.NewCollection[Token](cfg.Store, store.Key(cfg.Namespace, store.KeyTokens), logger),
		activity: recorder,
		logger:   logger,
		now:      now,
	}
}

// mutate runs fn over the token list with a default token guaranteed to be
// present. fn may return store.ErrUnchanged to skip the write; the default is
// still persisted if it had to be created.
func (s *Service) mutate(ctx context.Context, fn func(tokens []Token) ([]Token, error)) (created *Token, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.tokens.Mutate(ctx, func(tokens []Token) ([]Token, error) {
		created = nil
		tokens, def, err := s.withDefault(tokens)
		if err != nil {
			return nil, err
		}

		next, err := fn(tokens)
		if errors.Is(err, store.ErrUnchanged) && def != nil {
			created = def
			return tokens, nil
		}
		if err != nil {
			return nil, err
		}

		next, def2, err := s.withDefault(next)
		if err != nil {
			return nil, err
		}
		created = def
		if def2 != nil {
			created = def2
		}
		return next, nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if created != nil {
		s.logger.Info().Str("token_id", created.ID).Msg("created default agent token")
		s.activity.Append(ctx, "default agent token created", activity.Context{
			"token_id":   created.ID,
			"token_name": created.Name,
		}, activity.LevelInfo)
	}
	return created, err
}

func (s *Service) withDefault(tokens []Token) ([]Token, *Token, error) {
	if len(tokens) > 0 {
		return tokens, nil, nil
	}
	def, err := s.newToken(DefaultName)
	if err != nil {
		return nil, nil, err
	}
	return []Token{def}, &def, nil
}

func (s *Service) newToken(name string) (Token, error) {
	id, err := GenerateID()
	if err != nil {
		return Token{}, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return Token{}, err
	}
	now := s.now().UTC()
	return Token{
		ID:               id,
		Name:             name,
		Secret:           secret,
		CreatedAt:        now,
		UpdatedAt:        now,
		HealthStatus:     HealthUnknown,
		NotifyRecipients: []string{},
	}, nil
}

// EnsureDefault returns all tokens, creating the default token if the store
// is empty. The result is never empty.
func (s *Service) EnsureDefault(ctx context.Context) ([]Token, error) {
	var out []Token
	_, err := s.mutate(ctx, func(tokens []Token) ([]Token, error) {
		out = append([]Token(nil), tokens...)
		return nil, store.ErrUnchanged
	})
	if err != nil {
		return nil, fmt.Errorf("ensure default token: %w", err)
	}
	return out, nil
}

// List is an alias of EnsureDefault.
func (s *Service) List(ctx context.Context) ([]Token, error) {
	return s.EnsureDefault(ctx)
}

// Get returns the token with the given id.
func (s *Service) Get(ctx context.Context, id string) (Token, error) {
	tokens, err := s.EnsureDefault(ctx)
	if err != nil {
		return Token{}, err
	}
	for _, t := range tokens {
		if t.ID == id {
			return t, nil
		}
	}
	return Token{}, ErrTokenNotFound
}

// Primary returns the first token.
func (s *Service) Primary(ctx context.Context) (Token, error) {
	tokens, err := s.EnsureDefault(ctx)
	if err != nil {
		return Token{}, err
	}
	return tokens[0], nil
}

// Authenticate matches presented against every stored secret in constant
// time. On success the token is marked online. When presented matches only a
// rotated-out secret the token is marked offline and ErrForbidden is returned
// together with a result carrying Revoked=true.
func (s *Service) Authenticate(ctx context.Context, presented string) (AuthResult, error) {
	if presented == "" {
		return AuthResult{}, ErrForbidden
	}

	var result AuthResult
	matched := false
	_, err := s.mutate(ctx, func(tokens []Token) ([]Token, error) {
		result = AuthResult{}
		matched = false

		current, previous := -1, -1
		for i := range tokens {
			if subtle.ConstantTimeCompare([]byte(tokens[i].Secret), []byte(presented)) == 1 && current < 0 {
				current = i
			}
			if tokens[i].PreviousSecret != "" &&
				subtle.ConstantTimeCompare([]byte(tokens[i].PreviousSecret), []byte(presented)) == 1 && previous < 0 {
				previous = i
			}
		}

		now := s.now().UTC()
		switch {
		case current >= 0:
			t := &tokens[current]
			result.CameOnline = t.HealthStatus != HealthOnline
			t.HealthStatus = HealthOnline
			t.LastSeenAt = now
			t.LastError = ""
			t.LastNotifiedAt = time.Time{}
			result.Token = *t
			matched = true
			return tokens, nil
		case previous >= 0:
			t := &tokens[previous]
			t.HealthStatus = HealthOffline
			t.LastError = "agent presented a rotated secret"
			t.UpdatedAt = now
			result.Token = *t
			result.Revoked = true
			return tokens, nil
		default:
			return nil, store.ErrUnchanged
		}
	})
	if err != nil {
		return AuthResult{}, fmt.Errorf("authenticate: %w", err)
	}
	if !matched {
		if result.Revoked {
			s.recordOffline(ctx, result.Token, result.Token.LastError)
		}
		return result, ErrForbidden
	}
	return result, nil
}

// MarkOffline sets the token offline with message as its last error.
// LastSeenAt is left untouched.
func (s *Service) MarkOffline(ctx context.Context, id, message string) (Token, error) {
	updated, err := s.update(ctx, id, func(t *Token) error {
		t.HealthStatus = HealthOffline
		t.LastError = message
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	s.recordOffline(ctx, updated, message)
	return updated, nil
}

func (s *Service) recordOffline(ctx context.Context, t Token, message string) {
	s.logger.Warn().Str("token_id", t.ID).Str("reason", message).Msg("agent token marked offline")
	s.activity.Append(ctx, "agent token marked offline", activity.Context{
		"token_id":   t.ID,
		"token_name": t.Name,
		"error":      message,
	}, activity.LevelWarning)
}

// Create adds a new token with a fresh id and secret.
func (s *Service) Create(ctx context.Context, name string) (Token, error) {
	return s.Upsert(ctx, Token{Name: name})
}

// Upsert creates t when t.ID is empty, otherwise updates the operator
// editable fields (name and notification settings) of the existing token.
func (s *Service) Upsert(ctx context.Context, t Token) (Token, error) {
	if t.ID == "" {
		return s.create(ctx, t)
	}
	name := t.Name
	notify := t.NotifyOnOffline
	return s.Edit(ctx, t.ID, Update{
		Name:             &name,
		NotifyOnOffline:  &notify,
		NotifyRecipients: t.NotifyRecipients,
	})
}

func (s *Service) create(ctx context.Context, t Token) (Token, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		name = UnnamedName
	}
	created, err := s.newToken(name)
	if err != nil {
		return Token{}, err
	}
	created.NotifyOnOffline = t.NotifyOnOffline
	created.NotifyRecipients = NormalizeRecipients(t.NotifyRecipients)

	_, err = s.mutate(ctx, func(tokens []Token) ([]Token, error) {
		return append(tokens, created), nil
	})
	if err != nil {
		return Token{}, fmt.Errorf("create token: %w", err)
	}

	s.activity.Append(ctx, "agent token created", activity.Context{
		"token_id":   created.ID,
		"token_name": created.Name,
	}, activity.LevelInfo)
	return created, nil
}

// Edit applies an operator update to the token.
func (s *Service) Edit(ctx context.Context, id string, u Update) (Token, error) {
	updated, err := s.update(ctx, id, func(t *Token) error {
		if u.Name != nil {
			name := strings.TrimSpace(*u.Name)
			if name == "" {
				name = UnnamedName
			}
			t.Name = name
		}
		if u.NotifyOnOffline != nil {
			t.NotifyOnOffline = *u.NotifyOnOffline
			if !t.NotifyOnOffline {
				t.LastNotifiedAt = time.Time{}
			}
		}
		if u.NotifyRecipients != nil {
			t.NotifyRecipients = NormalizeRecipients(u.NotifyRecipients)
		}
		t.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return Token{}, err
	}

	s.activity.Append(ctx, "agent token updated", activity.Context{
		"token_id":          updated.ID,
		"token_name":        updated.Name,
		"notify_on_offline": updated.NotifyOnOffline,
		"recipients":        updated.NotifyRecipients,
	}, activity.LevelInfo)
	return updated, nil
}

// Delete removes a token. Deleting the last token creates a new default.
func (s *Service) Delete(ctx context.Context, id string) error {
	var removed Token
	_, err := s.mutate(ctx, func(tokens []Token) ([]Token, error) {
		for i := range tokens {
			if tokens[i].ID == id {
				removed = tokens[i]
				return append(tokens[:i:i], tokens[i+1:]...), nil
			}
		}
		return nil, ErrTokenNotFound
	})
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("delete token: %w", err)
	}

	s.activity.Append(ctx, "agent token deleted", activity.Context{
		"token_id":   removed.ID,
		"token_name": removed.Name,
	}, activity.LevelInfo)
	return nil
}

// RotateSecret issues a new secret and resets the token's health so it must
// authenticate again before it is trusted.
func (s *Service) RotateSecret(ctx context.Context, id string) (Token, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return Token{}, err
	}

	updated, err := s.update(ctx, id, func(t *Token) error {
		t.PreviousSecret = t.Secret
		t.Secret = secret
		t.HealthStatus = HealthUnknown
		t.LastSeenAt = time.Time{}
		t.LastError = ""
		t.LastNotifiedAt = time.Time{}
		t.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return Token{}, err
	}

	s.activity.Append(ctx, "agent token secret rotated", activity.Context{
		"token_id":   updated.ID,
		"token_name": updated.Name,
	}, activity.LevelInfo)
	return updated, nil
}

// ReserveNotification atomically checks the alert throttle for the token and
// stamps LastNotifiedAt. It returns the token as stored and the previous
// stamp, which ReleaseNotification restores if the send fails.
func (s *Service) ReserveNotification(ctx context.Context, id string, window time.Duration) (Token, time.Time, error) {
	var previous time.Time
	updated, err := s.update(ctx, id, func(t *Token) error {
		if !t.CanNotify() {
			return ErrNotificationsDisabled
		}
		now := s.now().UTC()
		if !t.LastNotifiedAt.IsZero() && now.Sub(t.LastNotifiedAt) < window {
			return ErrNotificationThrottled
		}
		previous = t.LastNotifiedAt
		t.LastNotifiedAt = now
		return nil
	})
	if err != nil {
		return Token{}, time.Time{}, err
	}
	return updated, previous, nil
}

// ReleaseNotification restores LastNotifiedAt to previous.
func (s *Service) ReleaseNotification(ctx context.Context, id string, previous time.Time) error {
	_, err := s.update(ctx, id, func(t *Token) error {
		t.LastNotifiedAt = previous
		return nil
	})
	return err
}

// Silent returns online tokens not seen since before cutoff.
func (s *Service) Silent(ctx context.Context, cutoff time.Time) ([]Token, error) {
	tokens, err := s.EnsureDefault(ctx)
	if err != nil {
		return nil, err
	}
	var out []Token
	for _, t := range tokens {
		if t.IsOnline() && t.LastSeenAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Service) update(ctx context.Context, id string, fn func(t *Token) error) (Token, error) {
	var updated Token
	_, err := s.mutate(ctx, func(tokens []Token) ([]Token, error) {
		for i := range tokens {
			if tokens[i].ID != id {
				continue
			}
			if err := fn(&tokens[i]); err != nil {
				return nil, err
			}
			updated = tokens[i]
			return tokens, nil
		}
		return nil, ErrTokenNotFound
	})
	if err != nil {
		return Token{}, err
	}
	return updated, nil
}

// NormalizeRecipients trims, validates and de-duplicates email addresses.
// Invalid entries are dropped.
func NormalizeRecipients(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
		}) {
			addr, err := mail.ParseAddress(part)
			if err != nil {
				continue
			}
			email := strings.ToLower(addr.Address)
			if seen[email] {
				continue
			}
			seen[email] = true
			out = append(out, email)
		}
	}
	return out
}
