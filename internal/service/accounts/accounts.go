package accounts

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/logger"
	"github.com/nkiryanov/bitguard/internal/models"
)

// Api paths, relative to api base url
const (
	PathLogin      = "accounts/login/"
	PathVerifyOTP  = "accounts/login/verify-otp/"
	PathRegister   = "accounts/register/"
	PathMe         = "accounts/users/me/"
	PathRefresh    = "accounts/token/refresh/"
	PathStartTrial = "store/subscriptions/start_trial/"

	actionRequireOTP = "require_otp"
)

var validate = validator.New()

func init() {
	// Report fields by json name, the same as api does
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type VerifyOTPRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Code   string `json:"code" validate:"required"`
}

type RegisterRequest struct {
	Username  string `json:"username" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type startTrialRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
}

// LoginReply holds either issued credentials or second factor challenge
type LoginReply struct {
	Credentials models.Credentials
	Challenge   *models.Challenge
}

// Client calls accounts and store endpoints.
// It expects resty client built on authenticated transport
type Client struct {
	api    *resty.Client
	logger logger.Logger
}

func NewClient(api *resty.Client, l logger.Logger) *Client {
	return &Client{api: api, logger: l}
}

func (c *Client) Login(ctx context.Context, email string, password string) (LoginReply, error) {
	var reply LoginReply

	req := LoginRequest{Email: email, Password: password}
	if err := validateRequest(req); err != nil {
		return reply, err
	}

	resp, err := c.api.R().SetContext(ctx).SetBody(req).Post(PathLogin)
	if err != nil {
		return reply, fmt.Errorf("failed to send login request: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusAccepted:
		return parseLogin(resp.Body())
	default:
		c.logger.Debug("Login rejected", "status_code", resp.StatusCode())
		return reply, newError(resp)
	}
}

// Tell direct success from second factor challenge by the body shape, not by status code
func parseLogin(body []byte) (LoginReply, error) {
	var reply LoginReply

	if gjson.GetBytes(body, "action").String() == actionRequireOTP {
		id := gjson.GetBytes(body, "temp_user_id")
		if !id.Exists() {
			return reply, fmt.Errorf("%w: challenge without user reference", apperrors.ErrUnexpectedReply)
		}

		reply.Challenge = &models.Challenge{
			ID:     id.String(),
			Detail: gjson.GetBytes(body, "detail").String(),
		}
		return reply, nil
	}

	creds, err := parseCredentials(body)
	if err != nil {
		return reply, err
	}
	reply.Credentials = creds

	return reply, nil
}

func parseCredentials(body []byte) (models.Credentials, error) {
	creds := models.Credentials{
		Access:  gjson.GetBytes(body, "access").String(),
		Refresh: gjson.GetBytes(body, "refresh").String(),
	}

	if !creds.Valid() {
		return models.Credentials{}, fmt.Errorf("%w: token pair expected", apperrors.ErrUnexpectedReply)
	}

	return creds, nil
}

func (c *Client) VerifyOTP(ctx context.Context, challengeID string, code string) (models.Credentials, error) {
	req := VerifyOTPRequest{UserID: challengeID, Code: code}
	if err := validateRequest(req); err != nil {
		return models.Credentials{}, err
	}

	resp, err := c.api.R().SetContext(ctx).SetBody(req).Post(PathVerifyOTP)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("failed to send otp verification: %w", err)
	}

	if resp.IsError() {
		return models.Credentials{}, newError(resp)
	}

	return parseCredentials(resp.Body())
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (models.User, error) {
	var user models.User

	if err := validateRequest(req); err != nil {
		return user, err
	}

	resp, err := c.api.R().SetContext(ctx).SetBody(req).SetResult(&user).Post(PathRegister)
	if err != nil {
		return user, fmt.Errorf("failed to send register request: %w", err)
	}

	if resp.IsError() {
		return models.User{}, newError(resp)
	}

	return user, nil
}

// CurrentUser fetches user snapshot. Missing subscriptions become empty list
func (c *Client) CurrentUser(ctx context.Context) (models.User, error) {
	var user models.User

	resp, err := c.api.R().SetContext(ctx).Get(PathMe)
	if err != nil {
		return user, fmt.Errorf("failed to fetch current user: %w", err)
	}

	if resp.IsError() {
		return user, newError(resp)
	}

	if err := json.Unmarshal(resp.Body(), &user); err != nil {
		c.logger.Warn("Failed to decode user", "error", err)
		return models.User{}, fmt.Errorf("%w: can't decode user. Err: %w", apperrors.ErrUnexpectedReply, err)
	}

	if user.Subscriptions == nil {
		user.Subscriptions = []models.Subscription{}
	}

	return user, nil
}

func (c *Client) StartTrial(ctx context.Context, productID string) error {
	req := startTrialRequest{PlanID: productID}
	if err := validateRequest(req); err != nil {
		return err
	}

	resp, err := c.api.R().SetContext(ctx).SetBody(req).Post(PathStartTrial)
	if err != nil {
		return fmt.Errorf("failed to send start trial request: %w", err)
	}

	if resp.IsError() {
		return newError(resp)
	}

	return nil
}

func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidRequest, err)
	}
	return nil
}
