// Package credstore persists the access/refresh token pair between console runs.
//
// Every backend writes both halves at once and reports a partially stored pair as absent,
// so callers never observe an access token without its refresh token or the other way round.
package credstore

import (
	"context"

	"github.com/nkiryanov/bitguard/internal/models"
)

// Field names shared by backends which store tokens as named fields
const (
	AccessKey  = "access_token"
	RefreshKey = "refresh_token"
)

type Store interface {
	// Save both tokens.
	// Has to return apperrors.ErrPartialCredentials if one of the halves is empty
	Save(ctx context.Context, creds models.Credentials) error

	// Load stored tokens.
	// Has to return apperrors.ErrCredentialsNotFound if nothing stored or only one half found
	Load(ctx context.Context) (models.Credentials, error)

	// Replace the pair only while the stored refresh token is still the given one.
	// Has to return apperrors.ErrCredentialsChanged if the store was cleared or holds another pair,
	// the store is left untouched in that case
	Replace(ctx context.Context, refresh string, creds models.Credentials) error

	// Remove both tokens. Clearing empty store is not an error
	Clear(ctx context.Context) error
}
