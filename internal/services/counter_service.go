package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/threadline/api/internal/repositories"
)

var (
	// ErrCounterInvalidInput indicates the caller supplied invalid counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the requested counter cannot increment further due to max bounds.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// Order numbers restart each calendar year; the sequence width caps a single
// year at one million orders.
const orderNumberSequenceMax = int64(999999)

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
}

type counterService struct {
	repo       repositories.CounterRepository
	configMu   sync.Mutex
	configured map[string]bool
}

// NewCounterService constructs a service that issues order numbers on top of
// the transactional counter repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	return &counterService{
		repo:       deps.Repository,
		configured: make(map[string]bool),
	}, nil
}

// NextOrderNumber allocates the next number in the per-year order sequence
// and formats it as TL-YYYY-NNNNNN.
func (s *counterService) NextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	year := now.UTC().Year()
	counterID := fmt.Sprintf("orders:%04d", year)

	if err := s.ensureConfiguration(ctx, counterID); err != nil {
		return "", err
	}

	seq, err := s.next(ctx, counterID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TL-%04d-%06d", year, seq), nil
}

func (s *counterService) next(ctx context.Context, counterID string) (int64, error) {
	counterID = strings.TrimSpace(counterID)
	if counterID == "" {
		return 0, fmt.Errorf("%w: counter id is required", ErrCounterInvalidInput)
	}

	value, err := s.repo.Next(ctx, counterID, 1)
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			switch counterErr.Code {
			case repositories.CounterErrorInvalidInput:
				return 0, fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
			case repositories.CounterErrorExhausted:
				return 0, fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
			}
		}
		return 0, err
	}
	return value, nil
}

func (s *counterService) ensureConfiguration(ctx context.Context, counterID string) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	if s.configured[counterID] {
		return nil
	}

	maxValue := orderNumberSequenceMax
	if err := s.repo.Configure(ctx, counterID, repositories.CounterConfig{
		Step:     1,
		MaxValue: &maxValue,
	}); err != nil {
		return err
	}
	s.configured[counterID] = true
	return nil
}
