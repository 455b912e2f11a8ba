// Package credential issues, rotates and resolves per-device API keys.
//
// Keys are 32 random bytes encoded as unpadded base64url. Only a BLAKE3
// digest of each key is persisted, in the device row, so replacing the
// digest with a single store update retires the old key at the same
// instant the new one becomes valid.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log/slog"

	"github.com/juju/errors"
	"github.com/zeebo/blake3"

	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/schema"
	"github.com/c3hub/fieldhub/internal/storage"
)

const (
	keyBytes = 32

	// maxKeyLength bounds what Resolve will hash. Real keys are 43 chars.
	maxKeyLength = 128

	issueAttempts = 3
)

type Store struct {
	db     storage.Store
	random io.Reader
	logger *slog.Logger
}

func New(db storage.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{db: db, random: rand.Reader, logger: logger}
}

// Issue generates a key for the device, replacing any previous one.
func (s *Store) Issue(ctx context.Context, deviceID string) (string, error) {
	key, err := s.replace(ctx, deviceID)
	if err != nil {
		return "", err
	}
	s.logger.Info("api key issued", "device_id", deviceID)
	return key, nil
}

// Rotate replaces the device's key. The old key stops resolving in the
// same store operation that makes the new key resolvable.
func (s *Store) Rotate(ctx context.Context, deviceID string) (string, error) {
	key, err := s.replace(ctx, deviceID)
	if err != nil {
		return "", err
	}
	s.logger.Info("api key rotated", "device_id", deviceID)
	return key, nil
}

func (s *Store) replace(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.NotValidf("empty device id")
	}
	for attempt := 1; ; attempt++ {
		key, err := s.newKey()
		if err != nil {
			return "", err
		}
		n, err := s.db.Update(ctx, schema.Devices,
			[]storage.Filter{storage.Eq(schema.FieldID, deviceID)},
			storage.Row{schema.FieldAPIKeyHash: Digest(key)},
		)
		if errors.IsAlreadyExists(err) && attempt < issueAttempts {
			s.logger.Warn("api key digest collision, retrying", "device_id", deviceID, "attempt", attempt)
			continue
		}
		if err != nil {
			return "", errors.Annotatef(err, "replace key for device %q", deviceID)
		}
		if n == 0 {
			return "", errors.NotFoundf("device %q", deviceID)
		}
		return key, nil
	}
}

// Resolve returns the device holding apiKey. Every kind of bad key yields
// the same Unauthorized error.
func (s *Store) Resolve(ctx context.Context, apiKey string) (models.Device, error) {
	if !wellFormed(apiKey) {
		return models.Device{}, errors.Unauthorizedf("invalid api key")
	}
	rows, err := s.db.Select(ctx, schema.Devices, storage.Query{
		Filters: []storage.Filter{storage.Eq(schema.FieldAPIKeyHash, Digest(apiKey))},
		Limit:   1,
	})
	if err != nil {
		return models.Device{}, errors.Annotate(err, "resolve api key")
	}
	if len(rows) == 0 {
		return models.Device{}, errors.Unauthorizedf("invalid api key")
	}
	var dev models.Device
	if err := storage.Decode(rows[0], &dev); err != nil {
		return models.Device{}, errors.Trace(err)
	}
	return dev, nil
}

func (s *Store) newKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", errors.Annotate(err, "generate api key")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Digest is the persisted form of an API key.
func Digest(apiKey string) string {
	sum := blake3.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

func wellFormed(key string) bool {
	if key == "" || len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
