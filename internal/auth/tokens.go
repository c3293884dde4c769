package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/exp/slog"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/store"
)

var (
	// ErrNoCredential means the user never connected the provider.
	ErrNoCredential = errors.New("no stored credential")
	// ErrCredentialInvalid means the stored token is expired and cannot be refreshed.
	ErrCredentialInvalid = errors.New("credential invalid")
)

// TokenSourcer builds a refreshing token source. *oauth2.Config satisfies it.
type TokenSourcer interface {
	TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource
}

// TokenService loads, refreshes and persists provider OAuth tokens.
type TokenService struct {
	creds    store.CredentialRepository
	sealer   *Sealer
	oauth    TokenSourcer
	provider string
	log      *slog.Logger
}

func NewTokenService(creds store.CredentialRepository, sealer *Sealer, oauth TokenSourcer, log *slog.Logger) *TokenService {
	return &TokenService{
		creds:    creds,
		sealer:   sealer,
		oauth:    oauth,
		provider: store.ProviderGoogle,
		log:      log.With(slog.String("component", "token_service")),
	}
}

// OAuthConfig builds the provider oauth2 configuration.
func OAuthConfig(clientID, clientSecret, authURL, tokenURL, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

func additionalData(ownerID int64, provider string) []byte {
	return []byte(provider + ":" + strconv.FormatInt(ownerID, 10))
}

// Save seals and stores a token for the owner.
func (s *TokenService) Save(ctx context.Context, ownerID int64, tok *oauth2.Token) error {
	ad := additionalData(ownerID, s.provider)
	access, err := s.sealer.Seal([]byte(tok.AccessToken), ad)
	if err != nil {
		return err
	}
	refresh, err := s.sealer.Seal([]byte(tok.RefreshToken), ad)
	if err != nil {
		return err
	}
	cred := store.Credential{
		OwnerID:      ownerID,
		Provider:     s.provider,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		cred.Expiry = &expiry
	}
	if err := s.creds.Save(ctx, cred); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *TokenService) load(ctx context.Context, ownerID int64) (*oauth2.Token, error) {
	cred, err := s.creds.Get(ctx, ownerID, s.provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	ad := additionalData(ownerID, s.provider)
	access, err := s.sealer.Open(cred.AccessToken, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	refresh, err := s.sealer.Open(cred.RefreshToken, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	tok := &oauth2.Token{
		AccessToken:  string(access),
		RefreshToken: string(refresh),
		TokenType:    cred.TokenType,
	}
	if cred.Expiry != nil {
		tok.Expiry = *cred.Expiry
	}
	return tok, nil
}

// ValidToken returns a usable access token, refreshing and persisting it when
// the stored one has expired.
func (s *TokenService) ValidToken(ctx context.Context, ownerID int64) (*oauth2.Token, error) {
	tok, err := s.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return nil, ErrCredentialInvalid
	}

	fresh, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			s.log.Warn("token refresh rejected", slog.Int64("owner_id", ownerID), slog.String("error_code", re.ErrorCode))
			return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := s.Save(ctx, ownerID, fresh); err != nil {
		s.log.Error("persist refreshed token", slog.Int64("owner_id", ownerID), slog.Any("error", err))
	}
	return fresh, nil
}

// Forget deletes stored tokens for the owner.
func (s *TokenService) Forget(ctx context.Context, ownerID int64) error {
	return s.creds.Delete(ctx, ownerID, s.provider)
}

