package cloudinary

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/pkg/storage"
)

const deliveryType = "authenticated"

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Service stores submission pages as authenticated Cloudinary assets.
type Service struct {
	client *cloudinary.Cloudinary
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		cfg:    cfg,
		logger: logger.With().Str("component", "cloudinary").Logger(),
		now:    time.Now,
	}, nil
}

// UploadBytes stores data under the given submission key.
func (s *Service) UploadBytes(ctx context.Context, key, contentType string, data []byte) (storage.Object, error) {
	if err := storage.ValidatePath(key); err != nil {
		return storage.Object{}, err
	}

	params := uploader.UploadParams{
		PublicID:     s.publicID(key),
		ResourceType: "image",
		Type:         deliveryType,
	}

	result, err := s.client.Upload.Upload(ctx, bytes.NewReader(data), params)
	if err != nil {
		return storage.Object{}, fmt.Errorf("failed to upload asset: %w", err)
	}
	if result.Error.Message != "" {
		return storage.Object{}, fmt.Errorf("failed to upload asset: %s", result.Error.Message)
	}

	s.logger.Info().
		Str("public_id", result.PublicID).
		Str("content_type", contentType).
		Int("bytes", len(data)).
		Msg("submission page uploaded to cloudinary")

	return storage.Object{
		Path:     key,
		URL:      result.SecureURL,
		Size:     int64(len(data)),
		Checksum: storage.Checksum(data),
	}, nil
}

// PresignGet returns a signed delivery URL for an authenticated asset. Cloudinary delivery
// signatures do not expire on their own, so ttl is only validated.
func (s *Service) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := storage.ValidatePath(key); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be positive")
	}

	asset, err := s.client.Image(s.publicID(key))
	if err != nil {
		return "", fmt.Errorf("build asset: %w", err)
	}
	asset.DeliveryType = deliveryType
	asset.Config.URL.SignURL = true
	asset.Config.URL.Secure = true

	signed, err := asset.String()
	if err != nil {
		return "", fmt.Errorf("sign delivery url: %w", err)
	}
	return signed, nil
}

// PresignPut returns a signed direct-upload URL. Cloudinary accepts the signature for one
// hour, so ttl values above that are capped.
func (s *Service) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if err := storage.ValidatePath(key); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be positive")
	}

	params := url.Values{}
	params.Set("public_id", s.publicID(key))
	params.Set("timestamp", strconv.FormatInt(s.now().Unix(), 10))
	params.Set("type", deliveryType)

	signature, err := api.SignParameters(params, s.cfg.APISecret)
	if err != nil {
		return "", fmt.Errorf("sign upload parameters: %w", err)
	}

	values := url.Values{}
	for name, value := range params {
		values[name] = value
	}
	values.Set("signature", signature)
	values.Set("api_key", s.cfg.APIKey)

	s.logger.Debug().Str("public_id", params.Get("public_id")).Str("content_type", contentType).Msg("presigned upload url issued")

	return fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/image/upload?%s", s.cfg.CloudName, values.Encode()), nil
}

func (s *Service) publicID(key string) string {
	id := strings.TrimSuffix(key, path.Ext(key))
	folder := strings.Trim(s.cfg.Folder, "/")
	if folder == "" {
		return id
	}
	return folder + "/" + id
}
