package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/oauth1-provider/internal/consumer"
	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/secret"
	bolt "go.etcd.io/bbolt"
)

// ConsumerStore is a consumer.Registry backed by the consumers bucket.
// Public keys are stored as PEM and consumer secrets are sealed.
type ConsumerStore struct {
	db     *bolt.DB
	sealer secret.Sealer
}

var _ consumer.Registry = (*ConsumerStore)(nil)

type storedConsumer struct {
	Key             string `json:"key"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	SignatureMethod string `json:"signature_method"`
	PublicKey       string `json:"public_key,omitempty"`
	ConsumerSecret  string `json:"consumer_secret,omitempty"`
	DefaultCallback string `json:"default_callback,omitempty"`
}

func (s *ConsumerStore) encode(c models.Consumer) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	sc := storedConsumer{
		Key:             c.Key,
		Name:            c.Name,
		Description:     c.Description,
		SignatureMethod: string(c.SignatureMethod),
		DefaultCallback: c.DefaultCallback,
	}

	if c.PublicKey != nil {
		pemKey, err := models.EncodePublicKey(c.PublicKey)
		if err != nil {
			return nil, err
		}
		sc.PublicKey = pemKey
	}

	sealed, err := s.sealer.Seal(c.ConsumerSecret)
	if err != nil {
		return nil, fmt.Errorf("sealing consumer secret: %w", err)
	}
	sc.ConsumerSecret = sealed

	return json.Marshal(sc)
}

func (s *ConsumerStore) decode(data []byte) (*models.Consumer, error) {
	var sc storedConsumer
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decoding consumer: %w", err)
	}

	c := &models.Consumer{
		Key:             sc.Key,
		Name:            sc.Name,
		Description:     sc.Description,
		SignatureMethod: models.SignatureMethod(sc.SignatureMethod),
		DefaultCallback: sc.DefaultCallback,
	}

	if sc.PublicKey != "" {
		pub, err := models.ParsePublicKey(sc.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("consumer %q: %w", sc.Key, err)
		}
		c.PublicKey = pub
	}

	plain, err := s.sealer.Open(sc.ConsumerSecret)
	if err != nil {
		return nil, fmt.Errorf("consumer %q: opening secret: %w", sc.Key, err)
	}
	c.ConsumerSecret = plain

	return c, nil
}

func (s *ConsumerStore) Add(_ context.Context, c models.Consumer) error {
	data, err := s.encode(c)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(consumersBucket)
		if b.Get([]byte(c.Key)) != nil {
			return fmt.Errorf("consumer %q: %w", c.Key, apperrors.ErrDuplicateKey)
		}

		return b.Put([]byte(c.Key), data)
	})
}

func (s *ConsumerStore) Get(_ context.Context, key string) (*models.Consumer, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(consumersBucket).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}

	if data == nil {
		return nil, nil
	}

	return s.decode(data)
}

// GetAll returns every consumer in key order.
func (s *ConsumerStore) GetAll(_ context.Context) ([]models.Consumer, error) {
	var all []models.Consumer

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(consumersBucket).ForEach(func(_, v []byte) error {
			c, err := s.decode(v)
			if err != nil {
				return err
			}

			all = append(all, *c)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}

	return all, nil
}

func (s *ConsumerStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(consumersBucket).Delete([]byte(key))
	})
}

func (s *ConsumerStore) Update(_ context.Context, c models.Consumer) error {
	data, err := s.encode(c)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(consumersBucket)
		if b.Get([]byte(c.Key)) == nil {
			return fmt.Errorf("consumer %q: %w", c.Key, apperrors.ErrNotFound)
		}

		return b.Put([]byte(c.Key), data)
	})
}
