// Package generation gates the image generation operation on credits. The
// generation providers themselves are opaque collaborators; this service only
// enforces the pay-before-generate contract.
package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/figureai/credits-go-rewrite/internal/models"
	"github.com/rs/zerolog"
)

// DefaultCost is the credit price of one generation.
const DefaultCost = 1

const spendReason = "AI generation"

// ErrInsufficientCredits rejects a generation the balance cannot cover.
var ErrInsufficientCredits = errors.New("not enough credits")

// Provider produces an image from an input image, model, and prompt.
type Provider interface {
	Generate(ctx context.Context, image []byte, model, prompt string) ([]byte, error)
}

// CreditGate is the slice of the reconciliation controller the service needs.
type CreditGate interface {
	HasEnough(amount int) bool
	Spend(ctx context.Context, amount int, reason string) (models.SpendResult, error)
}

// Service runs generations behind the credit gate.
type Service struct {
	provider Provider
	credits  CreditGate
	cost     int
	logger   zerolog.Logger
}

// New constructs a generation service. cost <= 0 uses DefaultCost.
func New(provider Provider, credits CreditGate, cost int, logger *zerolog.Logger) (*Service, error) {
	if provider == nil {
		return nil, errors.New("generation provider is required")
	}
	if credits == nil {
		return nil, errors.New("credit gate is required")
	}
	if cost <= 0 {
		cost = DefaultCost
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "generation").Logger()
	}

	return &Service{provider: provider, credits: credits, cost: cost, logger: l}, nil
}

// Generate spends credits and runs the provider. The spend is settled before
// the provider is invoked; if generation then fails, the client does not
// re-credit locally; the server owns the balance and any goodwill refund.
func (s *Service) Generate(ctx context.Context, image []byte, model, prompt string) ([]byte, error) {
	if !s.credits.HasEnough(s.cost) {
		return nil, ErrInsufficientCredits
	}

	result, err := s.credits.Spend(ctx, s.cost, spendReason)
	if err != nil {
		// Covers the ambiguous case too: the feature is not granted while
		// the spend outcome is unknown; the controller has already
		// scheduled the reconciling refresh.
		return nil, fmt.Errorf("spend for generation: %w", err)
	}
	if !result.Success {
		if result.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientCredits, result.Error)
		}
		return nil, ErrInsufficientCredits
	}

	output, err := s.provider.Generate(ctx, image, model, prompt)
	if err != nil {
		s.logger.Error().Err(err).Str("model", model).Msg("generation failed after spend; balance stays server-owned")
		return nil, fmt.Errorf("generate: %w", err)
	}

	s.logger.Debug().Str("model", model).Int("remaining", result.RemainingCredits).Msg("generation complete")
	return output, nil
}
