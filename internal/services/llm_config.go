package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangang/issuesentry/internal/models"
	"gorm.io/gorm"
)

var (
	ErrLLMConfigNotFound = errors.New("llm config not found")
	ErrUnknownProvider   = errors.New("unknown llm provider")
)

var knownProviders = map[string]bool{
	"openai": true, "azure": true, "anthropic": true, "ollama": true, "gemini": true,
}

type LLMConfigService struct {
	db *gorm.DB
}

func NewLLMConfigService(db *gorm.DB) *LLMConfigService {
	return &LLMConfigService{db: db}
}

type LLMConfigListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Provider string `form:"provider"`
	IsActive *bool  `form:"is_active"`
}

type CreateLLMConfigRequest struct {
	Name        string  `json:"name" binding:"required"`
	Provider    string  `json:"provider"`
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model" binding:"required"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	IsDefault   bool    `json:"is_default"`
	IsActive    *bool   `json:"is_active"`
}

type UpdateLLMConfigRequest struct {
	Name        string   `json:"name"`
	Provider    string   `json:"provider"`
	BaseURL     *string  `json:"base_url"`
	APIKey      string   `json:"api_key"`
	Model       string   `json:"model"`
	MaxTokens   *int     `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	IsDefault   *bool    `json:"is_default"`
	IsActive    *bool    `json:"is_active"`
}

func masked(configs []models.LLMConfig) []models.LLMConfig {
	for i := range configs {
		configs[i].APIKeyMask = configs[i].MaskAPIKey()
	}
	return configs
}

func (s *LLMConfigService) List(ctx context.Context, req *LLMConfigListRequest) ([]models.LLMConfig, int64, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 || req.PageSize > 100 {
		req.PageSize = 10
	}

	query := s.db.WithContext(ctx).Model(&models.LLMConfig{})
	if req.Provider != "" {
		query = query.Where("provider = ?", req.Provider)
	}
	if req.IsActive != nil {
		query = query.Where("is_active = ?", *req.IsActive)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var configs []models.LLMConfig
	if err := query.Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize).Order("is_default DESC, id ASC").Find(&configs).Error; err != nil {
		return nil, 0, err
	}
	return masked(configs), total, nil
}

func (s *LLMConfigService) GetByID(ctx context.Context, id uint) (*models.LLMConfig, error) {
	var config models.LLMConfig
	if err := s.db.WithContext(ctx).First(&config, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLLMConfigNotFound
		}
		return nil, err
	}
	config.APIKeyMask = config.MaskAPIKey()
	return &config, nil
}

func (s *LLMConfigService) Create(ctx context.Context, req *CreateLLMConfigRequest) (*models.LLMConfig, error) {
	if req.Provider == "" {
		req.Provider = "openai"
	}
	if !knownProviders[req.Provider] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 1024
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	config := models.LLMConfig{
		Name:        req.Name,
		Provider:    req.Provider,
		BaseURL:     req.BaseURL,
		APIKey:      req.APIKey,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		IsDefault:   req.IsDefault,
		IsActive:    active,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.IsDefault {
			if err := tx.Model(&models.LLMConfig{}).Where("is_default = ?", true).Update("is_default", false).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(&config).Error; err != nil {
			return err
		}
		// gorm skips zero values that carry a default tag
		if !active {
			return tx.Model(&config).Update("is_active", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	config.APIKeyMask = config.MaskAPIKey()
	return &config, nil
}

func (s *LLMConfigService) Update(ctx context.Context, id uint, req *UpdateLLMConfigRequest) (*models.LLMConfig, error) {
	if req.Provider != "" && !knownProviders[req.Provider] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}

	updates := make(map[string]interface{})
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Provider != "" {
		updates["provider"] = req.Provider
	}
	if req.BaseURL != nil {
		updates["base_url"] = *req.BaseURL
	}
	if req.APIKey != "" {
		updates["api_key"] = req.APIKey
	}
	if req.Model != "" {
		updates["model"] = req.Model
	}
	if req.MaxTokens != nil {
		updates["max_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		updates["temperature"] = *req.Temperature
	}
	if req.IsDefault != nil {
		updates["is_default"] = *req.IsDefault
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var config models.LLMConfig
		if err := tx.First(&config, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLLMConfigNotFound
			}
			return err
		}
		if req.IsDefault != nil && *req.IsDefault {
			if err := tx.Model(&models.LLMConfig{}).Where("is_default = ? AND id <> ?", true, id).Update("is_default", false).Error; err != nil {
				return err
			}
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&config).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

func (s *LLMConfigService) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.LLMConfig{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLLMConfigNotFound
	}
	return nil
}

// GetActive lists the active configs in the order the scorer tries them.
func (s *LLMConfigService) GetActive(ctx context.Context) ([]models.LLMConfig, error) {
	var configs []models.LLMConfig
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("is_default DESC, id ASC").
		Find(&configs).Error
	if err != nil {
		return nil, err
	}
	return masked(configs), nil
}
