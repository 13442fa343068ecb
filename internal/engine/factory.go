package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/mailtriage/mailtriage/internal/config"
	"github.com/mailtriage/mailtriage/internal/credential"
	"github.com/mailtriage/mailtriage/internal/gmail"
	"github.com/mailtriage/mailtriage/internal/imap"
	"github.com/mailtriage/mailtriage/internal/provider"
)

// ProviderFactory builds the provider adapter for an account. Tests
// substitute a factory returning fakes.
type ProviderFactory func(ctx context.Context, cfg *config.Config, accountID string, logger *slog.Logger) (provider.Provider, error)

// DefaultProviderFactory constructs Gmail or IMAP adapters from the
// account configuration and its credential file.
func DefaultProviderFactory(ctx context.Context, cfg *config.Config, accountID string, logger *slog.Logger) (provider.Provider, error) {
	acc, ok := cfg.Accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %q not configured", accountID)
	}

	cred, err := credential.Load(acc.CredentialFile)
	if err != nil {
		return nil, fmt.Errorf("account %q: %w", accountID, err)
	}

	switch acc.Provider {
	case config.ProviderGmail:
		if cred.Kind != credential.KindOAuth {
			return nil, fmt.Errorf("account %q: gmail requires an OAuth token bundle", accountID)
		}
		ts := newPersistingTokenSource(ctx, cred, logger)
		client := gmail.NewClient(ts, gmail.WithLogger(logger))
		colorFor := func(tag string) string { return cfg.LabelColor(accountID, tag) }
		return gmail.NewAdapter(client, acc.Email, cfg.LabelPrefix(accountID), colorFor,
			gmail.WithAdapterLogger(logger)), nil

	case config.ProviderIMAP:
		if cred.Kind != credential.KindPassword {
			return nil, fmt.Errorf("account %q: imap requires a password credential", accountID)
		}
		imapCfg := &imap.Config{
			Host:          acc.IMAP.Host,
			Port:          acc.IMAP.Port,
			TLS:           acc.IMAP.TLS,
			Username:      acc.Email,
			Password:      cred.Password,
			KeywordPrefix: cfg.LabelPrefix(accountID),
		}
		if acc.SMTP != nil {
			imapCfg.SMTPHost = acc.SMTP.Host
			imapCfg.SMTPPort = acc.SMTP.Port
			imapCfg.SMTPTLS = acc.SMTP.TLS
		}
		return imap.NewAdapter(imapCfg, imap.WithLogger(logger)), nil

	default:
		return nil, fmt.Errorf("account %q: unknown provider %q", accountID, acc.Provider)
	}
}

// persistingTokenSource wraps the refreshing token source and rewrites
// the credential file whenever a refresh produces a new token.
type persistingTokenSource struct {
	src    oauth2.TokenSource
	cred   *credential.Credential
	logger *slog.Logger

	mu   sync.Mutex
	last string // last persisted access token
}

func newPersistingTokenSource(ctx context.Context, cred *credential.Credential, logger *slog.Logger) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cred.TokenURL},
	}
	return &persistingTokenSource{
		src:    conf.TokenSource(ctx, cred.Token),
		cred:   cred,
		logger: logger,
		last:   cred.Token.AccessToken,
	}
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if werr := p.cred.Rewrite(tok); werr != nil {
			p.logger.Warn("could not persist refreshed token", "error", werr)
		} else {
			p.last = tok.AccessToken
		}
	}
	return tok, nil
}
