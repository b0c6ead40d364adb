package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/sensor/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// tokenBytes yields 64 hex characters per access token.
	tokenBytes = 32

	// tokenAttempts bounds the collision retry loop on token generation.
	tokenAttempts = 3

	tokenCacheTTL = time.Hour
)

// OwnershipService is the ledger of user-device attachments. It guarantees at
// most one active attachment per device and issues the per-attachment access
// tokens that authorize measurement ingestion.
type OwnershipService struct {
	store  DataStore
	cache  *infrastructure.Cache
	logger *logrus.Logger
}

func NewOwnershipService(store DataStore, cache *infrastructure.Cache, logger *logrus.Logger) *OwnershipService {
	return &OwnershipService{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Attach opens a new ownership interval for the device. The active-attachment
// uniqueness is enforced by the partial unique index, so two racing calls
// cannot both succeed; the loser surfaces ErrDeviceAlreadyAttached.
func (s *OwnershipService) Attach(ctx context.Context, userID, deviceID uint) (*Attachment, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	// Friendly pre-check; the index remains the authority under races.
	active, err := s.store.ListActiveAttachmentsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, ErrDeviceAlreadyAttached
	}

	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := generateAccessToken()
		if err != nil {
			return nil, err
		}

		attachment := &Attachment{
			UserID:      userID,
			DeviceID:    deviceID,
			AccessToken: token,
			AttachedAt:  time.Now(),
		}

		err = s.store.CreateAttachment(ctx, attachment)
		if err == nil {
			s.logger.WithFields(logrus.Fields{
				"attachment_id": attachment.ID,
				"user_id":       userID,
				"device_id":     deviceID,
			}).Info("Device attached")
			return attachment, nil
		}

		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Decide which unique index fired: a reused token is retried with
			// a fresh one, a concurrent active attachment is a conflict. The
			// token index covers detached rows too, so the lookup must not
			// filter on detach state.
			if _, tokenErr := s.store.GetAttachmentByToken(ctx, token); tokenErr == nil {
				continue
			}
			return nil, ErrDeviceAlreadyAttached
		}

		return nil, err
	}

	return nil, fmt.Errorf("failed to generate a unique access token after %d attempts", tokenAttempts)
}

// Detach closes the attachment's ownership interval. Detaching is one-way; a
// second call is an explicit error, not a no-op.
func (s *OwnershipService) Detach(ctx context.Context, attachmentID uint) error {
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAttachmentNotFound
		}
		return err
	}

	affected, err := s.store.CloseAttachment(ctx, attachmentID, time.Now())
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyDetached
	}

	s.invalidateToken(ctx, attachment.AccessToken)
	s.logger.WithFields(logrus.Fields{
		"attachment_id": attachmentID,
		"device_id":     attachment.DeviceID,
	}).Info("Device detached")
	return nil
}

// ResolveByToken returns the attachment a token belongs to, but only while
// the attachment is still active. Detached tokens stay in the ledger for
// audit and resolve to ErrTokenInvalid here.
func (s *OwnershipService) ResolveByToken(ctx context.Context, token string) (*Attachment, error) {
	if cached := s.getCachedToken(ctx, token); cached != nil {
		return cached, nil
	}

	attachment, err := s.store.GetActiveAttachmentByToken(ctx, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	s.cacheToken(ctx, attachment)
	return attachment, nil
}

// CurrentOwners returns every user holding an active attachment for the
// device. Normally at most one; fan-out callers iterate without assuming so.
func (s *OwnershipService) CurrentOwners(ctx context.Context, deviceID uint) ([]User, error) {
	attachments, err := s.store.ListActiveAttachmentsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	owners := make([]User, 0, len(attachments))
	for _, a := range attachments {
		owners = append(owners, a.User)
	}
	return owners, nil
}

// DetachAllForUser closes every active attachment held by the user. Used when
// a user account is removed upstream.
func (s *OwnershipService) DetachAllForUser(ctx context.Context, userID uint) error {
	attachments, err := s.store.ListActiveAttachmentsForUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, a := range attachments {
		if err := s.Detach(ctx, a.ID); err != nil && !errors.Is(err, ErrAlreadyDetached) {
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"count":   len(attachments),
	}).Info("Detached all devices for user")
	return nil
}

// DeviceHistory returns every attachment interval of a device, oldest first.
func (s *OwnershipService) DeviceHistory(ctx context.Context, deviceID uint) ([]*Attachment, error) {
	return s.store.ListDeviceAttachments(ctx, deviceID)
}

// generateAccessToken is a package variable so tests can force collisions.
var generateAccessToken = func() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *OwnershipService) cacheToken(ctx context.Context, attachment *Attachment) {
	if s.cache == nil {
		return
	}
	data, _ := json.Marshal(attachment)
	s.cache.Set(ctx, tokenCacheKey(attachment.AccessToken), string(data), tokenCacheTTL)
}

func (s *OwnershipService) getCachedToken(ctx context.Context, token string) *Attachment {
	if s.cache == nil {
		return nil
	}

	data, err := s.cache.Get(ctx, tokenCacheKey(token))
	if err != nil {
		return nil
	}

	var attachment Attachment
	if err := json.Unmarshal([]byte(data), &attachment); err != nil {
		return nil
	}
	return &attachment
}

func (s *OwnershipService) invalidateToken(ctx context.Context, token string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, tokenCacheKey(token)); err != nil {
		s.logger.WithError(err).Warn("Failed to invalidate token cache entry")
	}
}

func tokenCacheKey(token string) string {
	return fmt.Sprintf("attachment:token:%s", token)
}
