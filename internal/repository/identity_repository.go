package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceid/internal/logging"
	"github.com/example/faceid/internal/retry"
)

// emailConstraint names the unique index on identities.email.
const emailConstraint = "identities_email_unique"

const uniqueViolation = "23505"

var (
	// ErrNotFound is returned when no identity matches the lookup.
	ErrNotFound = errors.New("identity not found")
	// ErrDuplicateEmail is returned when the email unique index rejects a write.
	ErrDuplicateEmail = errors.New("identity email already exists")
)

// Identity maps a person's profile to the face identifier assigned by the provider.
type Identity struct {
	ID        string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	Name      string    `gorm:"column:name;not null" json:"name"`
	Email     string    `gorm:"column:email;not null;uniqueIndex:identities_email_unique;size:320" json:"email"`
	Phone     string    `gorm:"column:phone;not null;size:64" json:"phone"`
	FaceID    string    `gorm:"column:face_id;not null;index;size:128" json:"faceId,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName overrides the default table name.
func (Identity) TableName() string {
	return "identities"
}

// IdentityRepository persists identities with gorm.
type IdentityRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewIdentityRepository creates a new repository instance.
func NewIdentityRepository(db *gorm.DB, logger *zap.Logger) *IdentityRepository {
	return &IdentityRepository{
		db:     db,
		logger: logger.Named("identity_repository"),
		retry:  defaultPolicy(),
	}
}

func defaultPolicy() retry.Policy {
	policy := retry.Default
	policy.Expected = func(err error) bool {
		return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateEmail)
	}
	return policy
}

// AutoMigrate creates the identities table and its indexes.
func (r *IdentityRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Identity{})
}

// Create inserts identity, assigning an id when it has none. A face id is mandatory.
// The insert runs once: a retry after a commit whose reply was lost would collide
// with the row it just wrote.
func (r *IdentityRepository) Create(ctx context.Context, identity *Identity) error {
	if identity.FaceID == "" {
		return logging.NewOperationError("repository.create", logging.RequestID(ctx), errors.New("face id is required"))
	}
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	return r.executeOnce(ctx, "repository.create", func() error {
		return translate(r.db.WithContext(ctx).Create(identity).Error)
	})
}

// FindByID returns the identity with the given local id.
func (r *IdentityRepository) FindByID(ctx context.Context, id string) (*Identity, error) {
	return r.first(ctx, "repository.find_by_id", "id = ?", id)
}

// FindByEmail returns the identity registered with email.
func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	return r.first(ctx, "repository.find_by_email", "email = ?", email)
}

// FindByFaceID returns the identity linked to the provider face id.
func (r *IdentityRepository) FindByFaceID(ctx context.Context, faceID string) (*Identity, error) {
	return r.first(ctx, "repository.find_by_face_id", "face_id = ?", faceID)
}

// List returns all identities ordered by creation time. FaceID is never loaded.
func (r *IdentityRepository) List(ctx context.Context) ([]*Identity, error) {
	var identities []*Identity
	err := r.execute(ctx, "repository.list", func() error {
		identities = nil
		return r.db.WithContext(ctx).
			Select("id", "name", "email", "phone", "created_at", "updated_at").
			Order("created_at ASC").
			Find(&identities).Error
	})
	if err != nil {
		return nil, err
	}
	return identities, nil
}

// Delete removes the identity with the given id.
func (r *IdentityRepository) Delete(ctx context.Context, id string) error {
	return r.execute(ctx, "repository.delete", func() error {
		res := r.db.WithContext(ctx).Delete(&Identity{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *IdentityRepository) first(ctx context.Context, operation, query string, arg string) (*Identity, error) {
	var identity Identity
	err := r.execute(ctx, operation, func() error {
		return translate(r.db.WithContext(ctx).Where(query, arg).First(&identity).Error)
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (r *IdentityRepository) execute(ctx context.Context, operation string, fn func() error) error {
	return r.retry.Do(ctx, r.logger, operation, logging.RequestID(ctx), fn)
}

func (r *IdentityRepository) executeOnce(ctx context.Context, operation string, fn func() error) error {
	policy := r.retry
	policy.Attempts = 1
	return policy.Do(ctx, r.logger, operation, logging.RequestID(ctx), fn)
}

// translate maps driver errors onto repository errors. Only a violation of the email
// index is a duplicate email; other unique violations pass through untouched.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == emailConstraint {
		return ErrDuplicateEmail
	}
	return err
}
