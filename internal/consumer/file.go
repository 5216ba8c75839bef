package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"gopkg.in/yaml.v3"
)

// fileConsumer is one entry of a consumers file.
type fileConsumer struct {
	Key             string `yaml:"key"`
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	SignatureMethod string `yaml:"signature_method"`
	PublicKey       string `yaml:"public_key"`
	ConsumerSecret  string `yaml:"consumer_secret"`
	DefaultCallback string `yaml:"default_callback"`
}

type consumersFile struct {
	Consumers []fileConsumer `yaml:"consumers"`
}

// ParseFile decodes a YAML consumers document:
//
//	consumers:
//	  - key: jira
//	    name: Jira
//	    signature_method: RSA_SHA1
//	    public_key: |
//	      -----BEGIN PUBLIC KEY-----
//	      ...
func ParseFile(data []byte) ([]models.Consumer, error) {
	var doc consumersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing consumers file: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Consumers))
	out := make([]models.Consumer, 0, len(doc.Consumers))

	for i, fc := range doc.Consumers {
		method, err := models.ParseSignatureMethod(fc.SignatureMethod)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}

		opts := []models.ConsumerOption{
			models.WithDescription(fc.Description),
			models.WithConsumerSecret(fc.ConsumerSecret),
			models.WithDefaultCallback(fc.DefaultCallback),
		}

		if fc.PublicKey != "" {
			pub, err := models.ParsePublicKey(fc.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("entry %d (%s): %w", i+1, fc.Key, err)
			}
			opts = append(opts, models.WithPublicKey(pub))
		}

		c, err := models.NewConsumer(fc.Key, fc.Name, method, opts...)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}

		if _, dup := seen[c.Key]; dup {
			return nil, fmt.Errorf("entry %d: duplicate consumer key %q", i+1, c.Key)
		}
		seen[c.Key] = struct{}{}

		out = append(out, c)
	}

	return out, nil
}

// LoadFile reads and parses the consumers file at path.
func LoadFile(path string) ([]models.Consumer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading consumers file: %w", err)
	}

	return ParseFile(data)
}

// Sync upserts consumers into r. Consumers already in r but absent from
// the list are left alone; removal is an explicit administrative action.
func Sync(ctx context.Context, r Registry, consumers []models.Consumer, logger *slog.Logger) error {
	for _, c := range consumers {
		err := r.Add(ctx, c)
		if errors.Is(err, apperrors.ErrDuplicateKey) {
			err = r.Update(ctx, c)
			if err == nil {
				logger.Debug("consumer updated from file", slog.String("consumer_key", c.Key))
			}
		} else if err == nil {
			logger.Info("consumer registered from file", slog.String("consumer_key", c.Key))
		}

		if err != nil {
			return fmt.Errorf("syncing consumer %q: %w", c.Key, err)
		}
	}

	return nil
}
