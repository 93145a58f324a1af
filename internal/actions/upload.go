// Package actions implements the queue handlers for each action kind.
package actions

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/lifeline/internal/objectstore"
	"github.com/wolfeidau/lifeline/internal/queue"
)

// ErrInvalidPayload is returned for payloads a handler cannot interpret.
var ErrInvalidPayload = errors.New("invalid action payload")

// UploadPayload describes an asset to upload. Exactly one of Path or Data is
// set; Data is base64 in JSON.
type UploadPayload struct {
	Path        string `json:"path,omitempty"`
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
}

// AssetKey is the content address of body: prefix followed by the base58
// SHA-256 of the bytes.
func AssetKey(prefix string, body []byte) string {
	hash := sha256.Sum256(body)
	return prefix + base58.Encode(hash[:])
}

// UploadAsset returns a handler that stores the asset under its content
// address. An asset that already exists is not uploaded again.
func UploadAsset(store objectstore.Store) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, raw json.RawMessage) error {
		var p UploadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}

		body, err := p.body()
		if err != nil {
			return err
		}

		key := AssetKey(p.Prefix, body)

		exists, err := store.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to check asset %s: %w", key, err)
		}
		if exists {
			log.Debug().Str("key", key).Msg("Asset already uploaded, skipping")
			return nil
		}

		contentType := p.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(body)
		}

		if err := store.Put(ctx, key, body, contentType); err != nil {
			return fmt.Errorf("failed to upload asset %s: %w", key, err)
		}

		log.Info().Str("key", key).Int("bytes", len(body)).Str("content_type", contentType).Msg("Asset uploaded")
		return nil
	})
}

func (p UploadPayload) body() ([]byte, error) {
	switch {
	case p.Path != "" && len(p.Data) > 0:
		return nil, fmt.Errorf("%w: set either path or data, not both", ErrInvalidPayload)
	case len(p.Data) > 0:
		return p.Data, nil
	case p.Path != "":
		body, err := os.ReadFile(p.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read asset: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: path or data is required", ErrInvalidPayload)
	}
}
