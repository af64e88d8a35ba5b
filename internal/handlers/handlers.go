package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/faceid/internal/faceprovider"
	"github.com/example/faceid/internal/logging"
	"github.com/example/faceid/internal/photo"
	"github.com/example/faceid/internal/repository"
	"github.com/example/faceid/internal/usecase"
)

// MaxBodySize bounds JSON request bodies, which carry base64 photos.
const MaxBodySize = 10 << 20

// IdentityService is the use case surface served over HTTP.
type IdentityService interface {
	Register(ctx context.Context, profile usecase.Profile, encodedPhoto string) (*repository.Identity, error)
	Get(ctx context.Context, id string) (*repository.Identity, error)
	List(ctx context.Context) ([]*repository.Identity, error)
	Verify(ctx context.Context, encodedPhoto string) (*usecase.VerificationOutcome, error)
	GetVerification(ctx context.Context, requestID string) (*usecase.VerificationOutcome, error)
	Delete(ctx context.Context, id string) error
}

// Options configures the optional parts of the router.
type Options struct {
	// Auth guards the /identities routes when set.
	Auth           gin.HandlerFunc
	AllowedOrigins []string
}

type registerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Photo string `json:"photo"`
}

type verifyRequest struct {
	Photo string `json:"photo"`
}

type verifyResponse struct {
	Matched    bool             `json:"matched"`
	Status     string           `json:"status"`
	RequestID  string           `json:"requestId"`
	Confidence *float64         `json:"confidence,omitempty"`
	User       *usecase.Profile `json:"user,omitempty"`
	Message    string           `json:"message,omitempty"`
}

type handler struct {
	svc    IdentityService
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc IdentityService, logger *zap.Logger, opts Options) {
	h := &handler{svc: svc, logger: logger.Named("handlers")}

	router.Use(RequestID(), AccessLog(logger), CORS(opts.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Face Recognition API is running"})
	})

	identities := router.Group("/identities", LimitBody(MaxBodySize))
	if opts.Auth != nil {
		identities.Use(opts.Auth)
	}
	identities.POST("", h.register)
	identities.GET("", h.list)
	identities.POST("/verify", h.verify)
	identities.GET("/verifications/:requestId", h.getVerification)
	identities.GET("/:id", h.get)
	identities.DELETE("/:id", h.delete)
}

func (h *handler) register(c *gin.Context) {
	var req registerRequest
	if !h.bind(c, &req) {
		return
	}

	profile := usecase.Profile{Name: req.Name, Email: req.Email, Phone: req.Phone}
	identity, err := h.svc.Register(c.Request.Context(), profile, req.Photo)
	if err != nil {
		h.fail(c, err, "Server error during registration")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully",
		"userId":  identity.ID,
	})
}

func (h *handler) list(c *gin.Context) {
	identities, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Server error")
		return
	}
	if identities == nil {
		identities = []*repository.Identity{}
	}
	c.JSON(http.StatusOK, identities)
}

func (h *handler) get(c *gin.Context) {
	identity, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Server error")
		return
	}
	c.JSON(http.StatusOK, identity)
}

func (h *handler) verify(c *gin.Context) {
	var req verifyRequest
	if !h.bind(c, &req) {
		return
	}
	if strings.TrimSpace(req.Photo) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Photo is required"})
		return
	}

	outcome, err := h.svc.Verify(c.Request.Context(), req.Photo)
	if err != nil {
		h.fail(c, err, "Server error during verification")
		return
	}
	c.JSON(http.StatusOK, newVerifyResponse(outcome))
}

func (h *handler) getVerification(c *gin.Context) {
	outcome, err := h.svc.GetVerification(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		if errors.Is(err, usecase.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Verification result not found"})
			return
		}
		h.fail(c, err, "Server error")
		return
	}
	c.JSON(http.StatusOK, newVerifyResponse(outcome))
}

func (h *handler) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "Server error during deletion")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
}

func newVerifyResponse(outcome *usecase.VerificationOutcome) verifyResponse {
	resp := verifyResponse{
		Matched:   outcome.Matched(),
		Status:    string(outcome.Status),
		RequestID: outcome.RequestID,
	}
	switch outcome.Status {
	case usecase.StatusMatched:
		confidence := outcome.Confidence
		resp.Confidence = &confidence
		resp.User = outcome.Profile
	case usecase.StatusMatchedUnlinked:
		confidence := outcome.Confidence
		resp.Confidence = &confidence
		resp.Message = "Face matched but user not found in database"
	default:
		resp.Message = "No matching face found"
	}
	return resp
}

// bind decodes the JSON body, answering 413 for oversized bodies and 400 otherwise.
func (h *handler) bind(c *gin.Context, dst interface{}) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": "Request body too large"})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
	return false
}

// fail maps use case and provider errors onto status codes. Internal details of 5xx
// failures are logged, not returned.
func (h *handler) fail(c *gin.Context, err error, serverMessage string) {
	switch {
	case errors.Is(err, usecase.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"message": "All fields are required"})
	case errors.Is(err, usecase.ErrDuplicateIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"message": "User with this email already exists"})
	case errors.Is(err, photo.ErrInvalidImageEncoding):
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid photo encoding"})
	case errors.Is(err, usecase.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
	default:
		_ = c.Error(err)
		fields := []zap.Field{
			zap.String("operation", logging.Operation(err)),
			zap.String("request_id", logging.RequestID(c.Request.Context())),
			zap.Error(err),
		}
		if faceprovider.IsProviderError(err) {
			fields = append(fields, zap.Bool("upstream", true))
			var providerErr *faceprovider.Error
			if errors.As(err, &providerErr) && providerErr.StatusCode != 0 {
				fields = append(fields, zap.Int("upstream_status", providerErr.StatusCode))
			}
		}
		h.logger.Error(serverMessage, fields...)
		c.JSON(http.StatusInternalServerError, gin.H{"message": serverMessage})
	}
}
