package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceid/internal/faceprovider"
	"github.com/example/faceid/internal/logging"
	"github.com/example/faceid/internal/photo"
	"github.com/example/faceid/internal/repository"
	"github.com/example/faceid/internal/retry"
)

// IdentityRepository defines the persistence operations needed by the use case.
type IdentityRepository interface {
	Create(ctx context.Context, identity *repository.Identity) error
	FindByID(ctx context.Context, id string) (*repository.Identity, error)
	FindByEmail(ctx context.Context, email string) (*repository.Identity, error)
	FindByFaceID(ctx context.Context, faceID string) (*repository.Identity, error)
	List(ctx context.Context) ([]*repository.Identity, error)
	Delete(ctx context.Context, id string) error
}

// Profile holds the contact details of a person.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (p Profile) trimmed() Profile {
	return Profile{
		Name:  strings.TrimSpace(p.Name),
		Email: strings.TrimSpace(p.Email),
		Phone: strings.TrimSpace(p.Phone),
	}
}

// Options tunes verification behaviour.
type Options struct {
	// MinConfidence rejects top candidates scoring below it. Zero disables the check.
	MinConfidence float64
	// CacheTTL controls how long verification outcomes stay retrievable.
	CacheTTL time.Duration
}

// IdentityUseCase drives the identity lifecycle across the store and the face provider.
type IdentityUseCase struct {
	repo          IdentityRepository
	cache         Cache
	provider      faceprovider.Client
	logger        *zap.Logger
	minConfidence float64
	cacheTTL      time.Duration
	cacheRetry    retry.Policy
}

// NewIdentityUseCase constructs a new use case instance. A nil cache disables result caching.
func NewIdentityUseCase(repo IdentityRepository, cache Cache, provider faceprovider.Client, logger *zap.Logger, opts Options) *IdentityUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &IdentityUseCase{
		repo:          repo,
		cache:         cache,
		provider:      provider,
		logger:        logger.Named("identity_usecase"),
		minConfidence: opts.MinConfidence,
		cacheTTL:      opts.CacheTTL,
		cacheRetry:    cachePolicy(),
	}
}

func cachePolicy() retry.Policy {
	policy := retry.Default
	policy.Expected = func(err error) bool { return errors.Is(err, redis.Nil) }
	return policy
}

// Register enrolls the photo with the provider and stores the resulting identity.
// Duplicate emails are rejected before the provider is contacted.
func (uc *IdentityUseCase) Register(ctx context.Context, profile Profile, encodedPhoto string) (*repository.Identity, error) {
	const op = "usecase.register"
	ctx, requestID := withRequestID(ctx)
	opLogger := logging.WithOperation(uc.logger, op, requestID)

	profile = profile.trimmed()
	if err := validate(profile, encodedPhoto); err != nil {
		return nil, logging.NewOperationError(op, requestID, err)
	}

	existing, err := uc.repo.FindByEmail(ctx, profile.Email)
	switch {
	case err == nil && existing != nil:
		return nil, logging.NewOperationError(op, requestID, ErrDuplicateIdentity)
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		opLogger.Error("duplicate check failed", zap.Error(err))
		return nil, logging.NewOperationError(op, requestID, fmt.Errorf("%w: %w", ErrStore, err))
	}

	image, err := photo.Decode(encodedPhoto)
	if err != nil {
		return nil, logging.NewOperationError(op, requestID, err)
	}

	enrollment, err := uc.provider.Enroll(ctx, image, profile.Email)
	if err != nil {
		opLogger.Error("provider enrollment failed", zap.Error(err))
		return nil, logging.NewOperationError(op, requestID, err)
	}

	identity := &repository.Identity{
		Name:   profile.Name,
		Email:  profile.Email,
		Phone:  profile.Phone,
		FaceID: enrollment.FaceID,
	}
	if err := uc.repo.Create(ctx, identity); err != nil {
		// Not compensated. Operators reconcile orphaned provider identities from this log.
		opLogger.Error("identity not persisted after enrollment, provider identity is orphaned",
			zap.String("email", profile.Email),
			zap.String("face_id", enrollment.FaceID),
			zap.Error(err),
		)
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, logging.NewOperationError(op, requestID, ErrDuplicateIdentity)
		}
		return nil, logging.NewOperationError(op, requestID, fmt.Errorf("%w: %w", ErrStore, err))
	}

	opLogger.Info("identity registered",
		zap.String("identity_id", identity.ID),
		zap.String("enroll_path", string(enrollment.Path)),
	)
	return identity, nil
}

// Get returns the full identity record, including its face id.
func (uc *IdentityUseCase) Get(ctx context.Context, id string) (*repository.Identity, error) {
	ctx, requestID := withRequestID(ctx)
	identity, err := uc.repo.FindByID(ctx, id)
	if err != nil {
		return nil, logging.NewOperationError("usecase.get", requestID, storeError(err))
	}
	return identity, nil
}

// List returns every identity without face ids.
func (uc *IdentityUseCase) List(ctx context.Context) ([]*repository.Identity, error) {
	ctx, requestID := withRequestID(ctx)
	identities, err := uc.repo.List(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list", requestID, storeError(err))
	}
	for _, identity := range identities {
		identity.FaceID = ""
	}
	return identities, nil
}

// Delete removes the identity from the provider first and only then from the store,
// so a failed provider call never leaves provider state without a local record.
func (uc *IdentityUseCase) Delete(ctx context.Context, id string) error {
	const op = "usecase.delete"
	ctx, requestID := withRequestID(ctx)
	opLogger := logging.WithOperation(uc.logger, op, requestID)

	identity, err := uc.repo.FindByID(ctx, id)
	if err != nil {
		return logging.NewOperationError(op, requestID, storeError(err))
	}

	if err := uc.provider.Delete(ctx, identity.FaceID); err != nil {
		opLogger.Error("provider deletion failed, local record kept",
			zap.String("identity_id", identity.ID),
			zap.Error(err),
		)
		return logging.NewOperationError(op, requestID, err)
	}

	if err := uc.repo.Delete(ctx, identity.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		opLogger.Error("provider identity deleted but local record remains",
			zap.String("identity_id", identity.ID),
			zap.Error(err),
		)
		return logging.NewOperationError(op, requestID, fmt.Errorf("%w: %w", ErrStore, err))
	}

	opLogger.Info("identity deleted", zap.String("identity_id", identity.ID))
	return nil
}

func validate(profile Profile, encodedPhoto string) error {
	fields := []struct {
		name  string
		value string
	}{
		{"name", profile.Name},
		{"email", profile.Email},
		{"phone", profile.Phone},
		{"photo", strings.TrimSpace(encodedPhoto)},
	}
	for _, f := range fields {
		if f.value == "" {
			return &ValidationError{Field: f.name}
		}
	}
	return nil
}

func storeError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}

func withRequestID(ctx context.Context) (context.Context, string) {
	if id := logging.RequestID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return logging.WithRequestID(ctx, id), id
}
