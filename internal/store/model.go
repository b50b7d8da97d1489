package store

import "time"

// User is a platform member observed by the bot.
type User struct {
	ID              string    `gorm:"column:id;primaryKey;size:32;not null"`
	DisplayName     string    `gorm:"column:username;size:100;not null"`
	FilterOptIn     bool      `gorm:"column:apply_filter;not null;default:false"`
	MessagesSent    uint64    `gorm:"column:messages_sent;not null;default:0;index:idx_users_messages_sent"`
	MessagesDeleted uint64    `gorm:"column:messages_deleted;not null;default:0;index:idx_users_messages_deleted"`
	Banned          bool      `gorm:"column:banned;not null;default:false"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// BannedMedia is a media url that may not appear in any message body.
type BannedMedia struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	BannedBy  string    `gorm:"column:banned_by;size:32;not null;index"`
	Banner    *User     `gorm:"foreignKey:BannedBy;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	URL       string    `gorm:"column:url;size:2048;not null;uniqueIndex:idx_banned_media_url"`
	Reason    string    `gorm:"column:reason;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (BannedMedia) TableName() string {
	return "banned_media"
}

// WhitelistedMedia exempts an exact url from classifier filtering.
type WhitelistedMedia struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	URL       string    `gorm:"column:url;size:2048;not null;uniqueIndex:idx_whitelist_url"`
	AddedBy   string    `gorm:"column:added_by;size:32;not null;index"`
	Adder     *User     `gorm:"foreignKey:AddedBy;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (WhitelistedMedia) TableName() string {
	return "whitelist"
}

// ReactionSubscription attaches a reaction to every new message from AppliesTo.
// AppliesTo is not a foreign key; subscriptions may name users the bot has not seen.
type ReactionSubscription struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Reaction  string    `gorm:"column:reaction;size:128;not null"`
	AddedBy   string    `gorm:"column:added_by;size:32;not null"`
	Adder     *User     `gorm:"foreignKey:AddedBy;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	AppliesTo string    `gorm:"column:applies_to;size:32;not null;index"`
	AddedAt   time.Time `gorm:"column:added_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ReactionSubscription) TableName() string {
	return "reactions"
}
