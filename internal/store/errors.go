package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrConflict reports a duplicate banned or whitelisted url.
	ErrConflict = errors.New("store: conflict")
	// ErrNotFound reports an unknown user, media entry or subscription.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable reports a lost database connection. Callers treat it as fatal.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrInvalidInput reports an empty identifier or url.
	ErrInvalidInput = errors.New("store: invalid input")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew            = "store.new"
	opUpsertUser          = "store.upsert_user"
	opGetUser             = "store.get_user"
	opExists              = "store.exists"
	opIncrementSent       = "store.increment_messages_sent"
	opIncrementDeleted    = "store.increment_messages_deleted"
	opSetMessagesSent     = "store.set_messages_sent"
	opSetMessagesDeleted  = "store.set_messages_deleted"
	opSetDisplayName      = "store.set_display_name"
	opSetFilterOptIn      = "store.set_filter_opt_in"
	opListUsers           = "store.list_users"
	opIsMediaBanned       = "store.is_media_banned"
	opFindBannedMedia     = "store.find_banned_media"
	opAddBannedMedia      = "store.add_banned_media"
	opRemoveBannedMedia   = "store.remove_banned_media"
	opIsMediaWhitelisted  = "store.is_media_whitelisted"
	opAddWhitelisted      = "store.add_whitelisted_media"
	opRemoveWhitelisted   = "store.remove_whitelisted_media"
	opListReactions       = "store.list_reactions"
	opAddReaction         = "store.add_reaction"
	opRemoveReaction      = "store.remove_reaction"
	opTopUsers            = "store.top_users"
	opRankUser            = "store.rank_user"
	opPing                = "store.ping"
	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "not_found"
	reasonConflict        = "conflict"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonUnknownUser     = "unknown_user"
	errDatabaseClosed     = "database is closed"
)

// ServiceError carries a stable code of the form store.<operation>.<reason>.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause to errors.Is.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// wrapError classifies a database error under the store taxonomy.
func wrapError(operation, reason string, cause error) error {
	switch {
	case errors.Is(cause, gorm.ErrRecordNotFound):
		return newServiceError(operation, reasonNotFound, ErrNotFound, cause)
	case errors.Is(cause, gorm.ErrDuplicatedKey):
		return newServiceError(operation, reasonConflict, ErrConflict, cause)
	case errors.Is(cause, gorm.ErrForeignKeyViolated):
		return newServiceError(operation, reasonUnknownUser, ErrNotFound, cause)
	case isConnectionLoss(cause):
		return newServiceError(operation, "unavailable", ErrUnavailable, cause)
	default:
		return newServiceError(operation, reason, nil, cause)
	}
}

func isConnectionLoss(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if strings.Contains(err.Error(), errDatabaseClosed) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}

// IsFatal reports whether err means the store can no longer make guarantees.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnavailable) && !errors.Is(err, context.Canceled)
}
