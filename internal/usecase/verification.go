package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/faceid/internal/logging"
	"github.com/example/faceid/internal/photo"
	"github.com/example/faceid/internal/repository"
)

// MatchStatus classifies a verification outcome.
type MatchStatus string

const (
	// StatusMatched means the top candidate resolved to a stored identity.
	StatusMatched MatchStatus = "matched"
	// StatusNoMatch means the provider returned no usable candidate.
	StatusNoMatch MatchStatus = "no_match"
	// StatusMatchedUnlinked means the provider recognised a face no stored identity references.
	StatusMatchedUnlinked MatchStatus = "matched_unlinked"
)

// VerificationOutcome is the resolved result of one verification request.
type VerificationOutcome struct {
	RequestID  string      `json:"request_id"`
	Status     MatchStatus `json:"status"`
	Confidence float64     `json:"confidence,omitempty"`
	Profile    *Profile    `json:"profile,omitempty"`
	VerifiedAt time.Time   `json:"verified_at"`
}

// Matched reports whether the outcome resolved to a stored identity.
func (o *VerificationOutcome) Matched() bool {
	return o.Status == StatusMatched
}

func verificationKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

// Verify searches the provider for the photo and resolves the provider's top pick to a
// stored identity. Candidates are used in provider order; the first one is the best match.
func (uc *IdentityUseCase) Verify(ctx context.Context, encodedPhoto string) (*VerificationOutcome, error) {
	const op = "usecase.verify"
	ctx, requestID := withRequestID(ctx)
	opLogger := logging.WithOperation(uc.logger, op, requestID)

	image, err := photo.Decode(encodedPhoto)
	if err != nil {
		return nil, logging.NewOperationError(op, requestID, err)
	}

	candidates, err := uc.provider.Search(ctx, image)
	if err != nil {
		opLogger.Error("provider search failed", zap.Error(err))
		return nil, logging.NewOperationError(op, requestID, err)
	}

	outcome := &VerificationOutcome{
		RequestID:  requestID,
		Status:     StatusNoMatch,
		VerifiedAt: time.Now().UTC(),
	}

	if len(candidates) > 0 {
		best := candidates[0]
		switch {
		case uc.minConfidence > 0 && best.Confidence < uc.minConfidence:
			opLogger.Info("top candidate below confidence threshold",
				zap.Float64("confidence", best.Confidence),
				zap.Float64("threshold", uc.minConfidence),
			)
		default:
			outcome.Confidence = best.Confidence
			identity, err := uc.repo.FindByFaceID(ctx, best.FaceID)
			switch {
			case err == nil:
				outcome.Status = StatusMatched
				outcome.Profile = &Profile{Name: identity.Name, Email: identity.Email, Phone: identity.Phone}
			case errors.Is(err, repository.ErrNotFound):
				opLogger.Warn("provider matched a face with no local identity",
					zap.Float64("confidence", best.Confidence),
				)
				outcome.Status = StatusMatchedUnlinked
			default:
				opLogger.Error("identity lookup failed", zap.Error(err))
				return nil, logging.NewOperationError(op, requestID, fmt.Errorf("%w: %w", ErrStore, err))
			}
		}
	}

	opLogger.Info("verification resolved",
		zap.String("status", string(outcome.Status)),
		zap.Int("candidates", len(candidates)),
	)
	uc.cacheOutcome(ctx, outcome)
	return outcome, nil
}

// GetVerification returns a recently resolved outcome by its request id.
func (uc *IdentityUseCase) GetVerification(ctx context.Context, requestID string) (*VerificationOutcome, error) {
	const op = "usecase.get_verification"

	var cached string
	err := uc.cacheRetry.Do(ctx, uc.logger, "cache.get.verification", requestID, func() error {
		value, err := uc.cache.Get(ctx, verificationKey(requestID))
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, logging.NewOperationError(op, requestID, ErrNotFound)
	}
	if err != nil {
		return nil, logging.NewOperationError(op, requestID, fmt.Errorf("%w: %w", ErrStore, err))
	}

	var outcome VerificationOutcome
	if err := json.Unmarshal([]byte(cached), &outcome); err != nil {
		logging.WithOperation(uc.logger, op, requestID).Warn("failed to decode cached outcome", zap.Error(err))
		return nil, logging.NewOperationError(op, requestID, ErrNotFound)
	}
	return &outcome, nil
}

// cacheOutcome is best effort; the verification already succeeded.
func (uc *IdentityUseCase) cacheOutcome(ctx context.Context, outcome *VerificationOutcome) {
	serialized, err := json.Marshal(outcome)
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.verification", outcome.RequestID).
			Warn("failed to serialize verification outcome", zap.Error(err))
		return
	}
	err = uc.cacheRetry.Do(ctx, uc.logger, "cache.set.verification", outcome.RequestID, func() error {
		return uc.cache.Set(ctx, verificationKey(outcome.RequestID), string(serialized), uc.cacheTTL)
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.verification", outcome.RequestID).
			Warn("verification outcome not cached", zap.Error(err))
	}
}
