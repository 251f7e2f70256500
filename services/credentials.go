package services

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"crmpulse/crm"
	"crmpulse/models"
	"crmpulse/utils"
)

// TokenStore is what the credential sink needs from the repository.
type TokenStore interface {
	GetIntegration(ctx context.Context, id uint) (*models.Integration, error)
	UpdateTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiry *time.Time) error
}

// integrationSink persists rotated tokens for one integration row, sealed
// with the token cipher.
type integrationSink struct {
	store         TokenStore
	cipher        *utils.TokenCipher
	integrationID uint
}

var _ crm.CredentialStore = (*integrationSink)(nil)

func (s *integrationSink) SaveTokens(ctx context.Context, tok *oauth2.Token) error {
	access, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := s.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
	}
	return s.store.UpdateTokens(ctx, s.integrationID, access, refresh, expiry)
}

func (s *integrationSink) LoadTokens(ctx context.Context) (*oauth2.Token, error) {
	in, err := s.store.GetIntegration(ctx, s.integrationID)
	if err != nil {
		return nil, err
	}
	creds, err := credentialsFor(in, s.cipher)
	if err != nil {
		return nil, err
	}
	return creds.Token(), nil
}

// credentialsFor decrypts an integration row into adapter credentials.
func credentialsFor(in *models.Integration, cipher *utils.TokenCipher) (crm.Credentials, error) {
	access, err := cipher.Decrypt(in.AccessToken)
	if err != nil {
		return crm.Credentials{}, fmt.Errorf("integration %d access token: %w", in.ID, err)
	}
	refresh, err := cipher.Decrypt(in.RefreshToken)
	if err != nil {
		return crm.Credentials{}, fmt.Errorf("integration %d refresh token: %w", in.ID, err)
	}
	creds := crm.Credentials{
		Provider:     crm.Provider(in.Provider),
		AccessToken:  access,
		RefreshToken: refresh,
		AccountID:    in.AccountID,
		InstanceURL:  in.InstanceURL,
		Settings:     map[string]any(in.Settings),
	}
	if in.TokenExpiresAt != nil {
		creds.Expiry = *in.TokenExpiresAt
	}
	return creds, nil
}
