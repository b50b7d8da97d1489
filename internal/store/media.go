package store

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	mediaCacheBanned    = "banned"
	mediaCacheWhitelist = "whitelist"
	columnURL           = "url"
	queryURL            = columnURL + " = ?"
	defaultBanReason    = "No reason given"
)

// IsMediaBanned reports whether any banned url occurs as a substring of body.
func (s *Store) IsMediaBanned(ctx context.Context, body string) (bool, error) {
	urls, err := s.cachedURLs(ctx, opIsMediaBanned, mediaCacheBanned, &BannedMedia{})
	if err != nil {
		return false, err
	}
	for _, url := range urls {
		if url != "" && strings.Contains(body, url) {
			return true, nil
		}
	}
	return false, nil
}

// FindBannedMedia returns the entry whose url equals url exactly.
func (s *Store) FindBannedMedia(ctx context.Context, url string) (BannedMedia, error) {
	if err := requireValue(opFindBannedMedia, url); err != nil {
		return BannedMedia{}, err
	}
	var entry BannedMedia
	if err := s.db.WithContext(ctx).Where(queryURL, url).Take(&entry).Error; err != nil {
		return BannedMedia{}, s.fail(opFindBannedMedia, reasonQueryFailed, err, zap.String("url", url))
	}
	return entry, nil
}

// AddBannedMedia bans url. A url that is already banned yields ErrConflict.
func (s *Store) AddBannedMedia(ctx context.Context, url, reason, bannedBy string) (BannedMedia, error) {
	if err := requireValue(opAddBannedMedia, url); err != nil {
		return BannedMedia{}, err
	}
	if err := requireValue(opAddBannedMedia, bannedBy); err != nil {
		return BannedMedia{}, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = defaultBanReason
	}
	entry := BannedMedia{URL: url, Reason: reason, BannedBy: bannedBy}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&BannedMedia{}).Where(queryURL, url).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return gorm.ErrDuplicatedKey
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return BannedMedia{}, s.fail(opAddBannedMedia, reasonWriteFailed, err, zap.String("url", url))
	}
	s.media.Remove(mediaCacheBanned)
	s.logger.Info("media banned", zap.String("url", url), zap.String("banned_by", bannedBy))
	return entry, nil
}

// RemoveBannedMedia deletes the entry for url or returns ErrNotFound.
func (s *Store) RemoveBannedMedia(ctx context.Context, url string) error {
	if err := s.removeByURL(ctx, opRemoveBannedMedia, url, &BannedMedia{}); err != nil {
		return err
	}
	s.media.Remove(mediaCacheBanned)
	s.logger.Info("media unbanned", zap.String("url", url))
	return nil
}

// IsMediaWhitelisted reports whether url is whitelisted exactly.
func (s *Store) IsMediaWhitelisted(ctx context.Context, url string) (bool, error) {
	urls, err := s.cachedURLs(ctx, opIsMediaWhitelisted, mediaCacheWhitelist, &WhitelistedMedia{})
	if err != nil {
		return false, err
	}
	for _, candidate := range urls {
		if candidate == url {
			return true, nil
		}
	}
	return false, nil
}

// AddWhitelistedMedia exempts url from classifier filtering. Duplicates yield ErrConflict.
func (s *Store) AddWhitelistedMedia(ctx context.Context, url, addedBy string) (WhitelistedMedia, error) {
	if err := requireValue(opAddWhitelisted, url); err != nil {
		return WhitelistedMedia{}, err
	}
	if err := requireValue(opAddWhitelisted, addedBy); err != nil {
		return WhitelistedMedia{}, err
	}
	entry := WhitelistedMedia{URL: url, AddedBy: addedBy}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&WhitelistedMedia{}).Where(queryURL, url).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return gorm.ErrDuplicatedKey
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return WhitelistedMedia{}, s.fail(opAddWhitelisted, reasonWriteFailed, err, zap.String("url", url))
	}
	s.media.Remove(mediaCacheWhitelist)
	s.logger.Info("media whitelisted", zap.String("url", url), zap.String("added_by", addedBy))
	return entry, nil
}

// RemoveWhitelistedMedia deletes the whitelist entry for url or returns ErrNotFound.
func (s *Store) RemoveWhitelistedMedia(ctx context.Context, url string) error {
	if err := s.removeByURL(ctx, opRemoveWhitelisted, url, &WhitelistedMedia{}); err != nil {
		return err
	}
	s.media.Remove(mediaCacheWhitelist)
	s.logger.Info("media removed from whitelist", zap.String("url", url))
	return nil
}

func (s *Store) removeByURL(ctx context.Context, operation, url string, model interface{}) error {
	if err := requireValue(operation, url); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where(queryURL, url).Delete(model)
	if result.Error != nil {
		return s.fail(operation, reasonWriteFailed, result.Error, zap.String("url", url))
	}
	if result.RowsAffected == 0 {
		return newServiceError(operation, reasonNotFound, ErrNotFound, nil)
	}
	return nil
}

func (s *Store) cachedURLs(ctx context.Context, operation, key string, model interface{}) ([]string, error) {
	if urls, ok := s.media.Get(key); ok {
		return urls, nil
	}
	urls := make([]string, 0)
	if err := s.db.WithContext(ctx).Model(model).Pluck(columnURL, &urls).Error; err != nil {
		return nil, s.fail(operation, reasonQueryFailed, err)
	}
	s.media.Add(key, urls)
	return urls, nil
}
