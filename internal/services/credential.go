package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/internal/jira"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/internal/utils"
	"github.com/huangang/issuesentry/pkg/logger"
	"gorm.io/gorm"
)

// Setup errors. A sync run that hits one of these never starts.
var (
	ErrInvalidCredentialID  = errors.New("invalid credential id")
	ErrCredentialNotFound   = errors.New("credential not found")
	ErrCredentialIncomplete = errors.New("credential is incomplete")
)

// Connect errors, mapped to HTTP statuses by the handler.
var (
	ErrInvalidConnectRequest = errors.New("invalid connect request")
	ErrJiraUnauthorized      = errors.New("jira rejected the credentials")
	ErrJiraForbidden         = errors.New("jira denied access for the credentials")
	ErrJiraUnreachable       = errors.New("jira is unreachable")
)

const minAPITokenLength = 20

var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+(:\d+)?$`)

// ConnectRequest is the body of POST /api/jira/connect.
type ConnectRequest struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url" binding:"required"` // acme.atlassian.net or a full URL
	Email    string `json:"email" binding:"required"`
	APIToken string `json:"api_token" binding:"required"`
}

// CredentialService stores provider credentials with sealed tokens.
type CredentialService struct {
	db      *gorm.DB
	sealer  *utils.Sealer
	jiraCfg config.JiraConfig
	opts    []jira.Option
}

func NewCredentialService(db *gorm.DB, sealer *utils.Sealer, jiraCfg config.JiraConfig) *CredentialService {
	return &CredentialService{db: db, sealer: sealer, jiraCfg: jiraCfg}
}

// WithClientOptions applies opts to every client the service builds.
func (s *CredentialService) WithClientOptions(opts ...jira.Option) *CredentialService {
	s.opts = opts
	return s
}

// normalizeBaseURL lowercases the host and defaults the scheme to https.
func normalizeBaseURL(raw string) (baseURL, domain string, err error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	scheme := "https://"
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme = strings.ToLower(raw[:i+3])
		raw = raw[i+3:]
	}
	if i := strings.Index(raw, "/"); i >= 0 {
		raw = raw[:i]
	}
	domain = strings.ToLower(raw)
	if scheme != "https://" && scheme != "http://" {
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConnectRequest, scheme)
	}
	if !domainPattern.MatchString(domain) {
		return "", "", fmt.Errorf("%w: %q is not a valid domain", ErrInvalidConnectRequest, domain)
	}
	return scheme + domain, domain, nil
}

// Validate checks the shape of req without contacting the provider.
func (req *ConnectRequest) Validate() (baseURL, domain string, err error) {
	baseURL, domain, err = normalizeBaseURL(req.BaseURL)
	if err != nil {
		return "", "", err
	}
	if _, perr := mail.ParseAddress(strings.TrimSpace(req.Email)); perr != nil {
		return "", "", fmt.Errorf("%w: invalid email", ErrInvalidConnectRequest)
	}
	if len(strings.TrimSpace(req.APIToken)) < minAPITokenLength {
		return "", "", fmt.Errorf("%w: api token is too short", ErrInvalidConnectRequest)
	}
	return baseURL, domain, nil
}

// ConnectFromConfig connects the credential given in the jira config section
// (JIRA_BASE_URL, JIRA_EMAIL, JIRA_API_TOKEN) so scheduled and CLI runs pick
// it up. It returns nil, nil when none of the three is set.
func (s *CredentialService) ConnectFromConfig(ctx context.Context) (*models.JiraCredential, error) {
	j := s.jiraCfg
	if j.BaseURL == "" && j.Email == "" && j.APIToken == "" {
		return nil, nil
	}
	if j.BaseURL == "" || j.Email == "" || j.APIToken == "" {
		return nil, fmt.Errorf("%w: jira base_url, email and api_token must be set together", ErrInvalidConnectRequest)
	}
	return s.Connect(ctx, &ConnectRequest{BaseURL: j.BaseURL, Email: j.Email, APIToken: j.APIToken})
}

// Connect verifies req against the provider and stores it, replacing any
// credential for the same domain.
func (s *CredentialService) Connect(ctx context.Context, req *ConnectRequest) (*models.JiraCredential, error) {
	baseURL, domain, err := req.Validate()
	if err != nil {
		return nil, err
	}
	email := strings.TrimSpace(req.Email)
	token := strings.TrimSpace(req.APIToken)

	client := jira.NewClient(jira.Credentials{BaseURL: baseURL, Email: email, APIToken: token}, s.jiraCfg, s.opts...)
	defer client.Close()

	acct, err := client.Myself(ctx)
	if err != nil {
		switch jira.StatusCode(err) {
		case 401:
			return nil, ErrJiraUnauthorized
		case 403:
			return nil, ErrJiraForbidden
		}
		logger.Warnf("[Credential] verification against %s failed: %v", domain, err)
		return nil, fmt.Errorf("%w: %v", ErrJiraUnreachable, err)
	}

	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return nil, fmt.Errorf("seal api token: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = domain
	}

	var cred models.JiraCredential
	err = s.db.WithContext(ctx).Where("domain = ?", domain).First(&cred).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	cred.Name = name
	cred.Domain = domain
	cred.BaseURL = baseURL
	cred.Email = email
	cred.SealedAPIToken = sealed
	cred.TokenHint = models.MaskSecret(token)
	cred.AccountID = acct.AccountID
	cred.IsActive = true
	if err := s.db.WithContext(ctx).Save(&cred).Error; err != nil {
		return nil, err
	}

	logger.Infof("[Credential] connected %s as %s (credential %d)", domain, acct.DisplayName, cred.ID)
	return &cred, nil
}

// Get resolves a credential id given as text, as the sync entry points
// receive it.
func (s *CredentialService) Get(ctx context.Context, id string) (*models.JiraCredential, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCredentialID, id)
	}
	var cred models.JiraCredential
	if err := s.db.WithContext(ctx).First(&cred, uint(n)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrCredentialNotFound, n)
		}
		return nil, err
	}
	return &cred, nil
}

// FindByDomain returns the active credential for domain.
func (s *CredentialService) FindByDomain(ctx context.Context, domain string) (*models.JiraCredential, error) {
	var cred models.JiraCredential
	err := s.db.WithContext(ctx).
		Where("domain = ? AND is_active = ?", strings.ToLower(domain), true).
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, domain)
		}
		return nil, err
	}
	return &cred, nil
}

func (s *CredentialService) ListActive(ctx context.Context) ([]models.JiraCredential, error) {
	var creds []models.JiraCredential
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&creds).Error
	return creds, err
}

// Open unseals cred into client credentials.
func (s *CredentialService) Open(cred *models.JiraCredential) (jira.Credentials, error) {
	if cred.BaseURL == "" || cred.Email == "" || cred.SealedAPIToken == "" {
		return jira.Credentials{}, fmt.Errorf("%w: credential %d", ErrCredentialIncomplete, cred.ID)
	}
	token, err := s.sealer.Open(cred.SealedAPIToken)
	if err != nil || token == "" {
		return jira.Credentials{}, fmt.Errorf("%w: credential %d token cannot be opened", ErrCredentialIncomplete, cred.ID)
	}
	return jira.Credentials{BaseURL: cred.BaseURL, Email: cred.Email, APIToken: token}, nil
}

// NewClient opens cred and builds a client owned by the caller.
func (s *CredentialService) NewClient(cred *models.JiraCredential) (*jira.Client, error) {
	creds, err := s.Open(cred)
	if err != nil {
		return nil, err
	}
	return jira.NewClient(creds, s.jiraCfg, s.opts...), nil
}

// List returns every stored credential, active or not.
func (s *CredentialService) List(ctx context.Context) ([]models.JiraCredential, error) {
	var creds []models.JiraCredential
	err := s.db.WithContext(ctx).Order("id ASC").Find(&creds).Error
	return creds, err
}

// Deactivate stops scheduled syncs and webhook handling for a credential.
// The row is kept so past runs stay attributable.
func (s *CredentialService) Deactivate(ctx context.Context, id string) error {
	cred, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(cred).Update("is_active", false).Error
}
