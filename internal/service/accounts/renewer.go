package accounts

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/models"
)

// TokenRenewer exchanges refresh token for new access token.
// It has to use bare client: renewal must not pass through the authenticated transport
type TokenRenewer struct {
	api *resty.Client
}

func NewTokenRenewer(bare *resty.Client) *TokenRenewer {
	return &TokenRenewer{api: bare}
}

// Renew returns new access token. Refresh is set only if api rotated it
func (r *TokenRenewer) Renew(ctx context.Context, refresh string) (models.Credentials, error) {
	if refresh == "" {
		return models.Credentials{}, apperrors.ErrNoRefreshToken
	}

	resp, err := r.api.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh": refresh}).
		Post(PathRefresh)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("failed to send refresh request: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		// pass
	case code == http.StatusUnauthorized, code == http.StatusBadRequest, code == http.StatusForbidden:
		return models.Credentials{}, fmt.Errorf("%w: %w", apperrors.ErrRenewalRejected, newError(resp))
	default:
		return models.Credentials{}, newError(resp)
	}

	access := gjson.GetBytes(resp.Body(), "access").String()
	if access == "" {
		return models.Credentials{}, fmt.Errorf("%w: no access token in refresh reply", apperrors.ErrUnexpectedReply)
	}

	return models.Credentials{
		Access:  access,
		Refresh: gjson.GetBytes(resp.Body(), "refresh").String(),
	}, nil
}
