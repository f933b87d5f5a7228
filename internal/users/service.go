// Package users is the account service: registration, credentials, status
// and task summaries, account deletion and credit checks.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"investi/internal/agent"
	"investi/internal/broker"
	"investi/internal/storage"
	"investi/internal/task"
	"investi/pkg/logx"
)

const (
	MsgNotRegistered = "Please use /start to register first"
	MsgUserExists    = "User already exists"
	topUpLink        = "[Top up your OpenRouter credits](https://openrouter.ai/settings/credits)"
)

// ErrNotReady is returned when a user lacks credentials needed for the
// operation; its message lists what to set.
var ErrNotReady = errors.New("account not ready")

type Store interface {
	CreateUser(ctx context.Context, id int64, username string, now time.Time) error
	GetUser(ctx context.Context, id int64) (storage.User, error)
	SetAlpacaCredentials(ctx context.Context, id int64, key, secret string) error
	SetOpenRouterKey(ctx context.Context, id int64, key string) error
	SetOperatingFramework(ctx context.Context, id int64, framework string) error
	ListUsers(ctx context.Context) ([]storage.User, error)
	ListUsersWithOpenRouterKey(ctx context.Context) ([]storage.User, error)
	Counts(ctx context.Context, id int64) (storage.AccountCounts, error)
	DeleteUser(ctx context.Context, id int64) error

	InsertTask(ctx context.Context, t task.Task) error
	ListTasks(ctx context.Context, owner int64, f storage.TaskFilter) ([]task.Task, error)
	DeleteTask(ctx context.Context, owner int64, id string) error
}

type Portfolio interface {
	Account(ctx context.Context) (broker.Account, error)
	Positions(ctx context.Context) ([]broker.Position, error)
}

type Brokerage interface {
	Validate(ctx context.Context, key, secret string) (baseURL string, err error)
	Portfolio(creds task.Credentials) Portfolio
}

// CreditAPI is the LLM provider account API.
type CreditAPI interface {
	RemainingCredits(ctx context.Context, apiKey string) (float64, error)
	KeyUsage(ctx context.Context, apiKey string) (agent.Usage, error)
	ValidateKey(ctx context.Context, apiKey string) bool
}

type Config struct {
	// StatusTimeout bounds the remote calls behind Status.
	StatusTimeout time.Duration
}

type Service struct {
	cfg     Config
	store   Store
	brokers Brokerage
	credits CreditAPI
	log     logx.Logger
	now     func() time.Time
}

func New(cfg Config, st Store, br Brokerage, cr CreditAPI, log logx.Logger) *Service {
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: st, brokers: br, credits: cr, log: log, now: time.Now}
}

// Register creates the user and returns the onboarding message.
func (s *Service) Register(ctx context.Context, id int64, username string) (string, error) {
	if err := s.store.CreateUser(ctx, id, username, s.now().UTC()); err != nil {
		return "", err
	}
	s.log.Info("user registered", logx.UserID(id))
	return welcomeMessage, nil
}

const welcomeMessage = "**Welcome to Investi!**\n\n" +
	"**Step 1: Create Your Accounts**\n" +
	"- **Alpaca** - Brokerage platform; [Sign up here](https://app.alpaca.markets/signup)." +
	" _Strongly recommend using a paper trading account unless you enjoy living on the edge._\n" +
	"- **OpenRouter** - AI API provider; [Sign up here](https://openrouter.ai/).\n\n" +
	"**Step 2: Set Your API Credentials**\n" +
	"Once you have your accounts, connect them:\n" +
	"- **Alpaca credentials:** /alpaca KEY SECRET\n" +
	"- **OpenRouter API key:** /openrouter KEY\n\n" +
	"**Step 3: Set Your Operating Framework** with: /framework TEXT\n" +
	"Define the principles that guide your trading decisions. This helps me understand your risk tolerance, strategy preferences, and goals.\n\n" +
	"Complete these steps and you'll be all set."

// SetAlpaca validates the key pair against the brokerage before saving it.
func (s *Service) SetAlpaca(ctx context.Context, id int64, key, secret string) (string, error) {
	if _, err := s.user(ctx, id); err != nil {
		return "", err
	}
	key, secret = strings.TrimSpace(key), strings.TrimSpace(secret)
	if _, err := s.brokers.Validate(ctx, key, secret); err != nil {
		s.log.Debug("alpaca validation failed", logx.UserID(id), logx.Err(err))
		return "Alpaca API credentials are not valid", nil
	}
	if err := s.store.SetAlpacaCredentials(ctx, id, key, secret); err != nil {
		return "", fmt.Errorf("save alpaca credentials: %w", err)
	}
	return "Alpaca credentials saved successfully", nil
}

func (s *Service) SetOpenRouter(ctx context.Context, id int64, key string) (string, error) {
	if _, err := s.user(ctx, id); err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if !s.credits.ValidateKey(ctx, key) {
		return "OpenRouter API credentials are not valid", nil
	}
	if err := s.store.SetOpenRouterKey(ctx, id, key); err != nil {
		return "", fmt.Errorf("save openrouter key: %w", err)
	}
	return "OpenRouter API key saved successfully", nil
}

func (s *Service) SetFramework(ctx context.Context, id int64, text string) (string, error) {
	if _, err := s.user(ctx, id); err != nil {
		return "", err
	}
	if err := s.store.SetOperatingFramework(ctx, id, strings.TrimSpace(text)); err != nil {
		return "", fmt.Errorf("save operating framework: %w", err)
	}
	return "Operating framework saved successfully", nil
}

// DeleteAccount removes the user and everything they own.
func (s *Service) DeleteAccount(ctx context.Context, id int64) (string, error) {
	if _, err := s.user(ctx, id); err != nil {
		return "", err
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return "", fmt.Errorf("delete account: %w", err)
	}
	s.log.Info("account deleted", logx.UserID(id))
	return "Account and all associated data have been deleted successfully", nil
}

// UserIDs lists every registered user, for broadcasts.
func (s *Service) UserIDs(ctx context.Context) ([]int64, error) {
	us, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(us))
	for _, u := range us {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (s *Service) user(ctx context.Context, id int64) (storage.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, &UserError{Msg: MsgNotRegistered, Err: err}
	}
	return u, err
}

// ready loads the user and requires both credential sets.
func (s *Service) ready(ctx context.Context, id int64) (storage.User, error) {
	u, err := s.user(ctx, id)
	if err != nil {
		return u, err
	}
	var b strings.Builder
	if u.AlpacaKey == "" || u.AlpacaSecret == "" {
		b.WriteString("• **Alpaca API credentials** using:\n  /alpaca KEY SECRET\n\n")
	}
	if u.OpenRouterKey == "" {
		b.WriteString("• **OpenRouter API key** using:\n  /openrouter KEY\n\n")
	}
	if b.Len() > 0 {
		return u, &UserError{Msg: "To get started, please provide:\n\n" + strings.TrimRight(b.String(), "\n"), Err: ErrNotReady}
	}
	return u, nil
}

// UserError carries a message meant for the user alongside the cause.
type UserError struct {
	Msg string
	Err error
}

func (e *UserError) Error() string { return e.Msg }
func (e *UserError) Unwrap() error { return e.Err }

// Message returns the user-facing text of err, or "" if err is not a
// *UserError.
func Message(err error) string {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Msg
	}
	return ""
}
