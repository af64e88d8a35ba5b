// Package luxand adapts the Luxand.cloud face API to the faceprovider contract.
package luxand

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/resty.v1"

	"github.com/example/faceid/internal/faceprovider"
	"github.com/example/faceid/internal/logging"
	"github.com/example/faceid/internal/retry"
)

const (
	enrollPath = "/v2/person"
	listPath   = "/v2/person"
	searchPath = "/photo/search/v2"
	deletePath = "/person/"

	photoFileName = "photo.jpg"
)

// Config holds everything needed to talk to one Luxand account.
type Config struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	RetryAttempts  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the public endpoint with conservative call limits.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.luxand.cloud",
		Timeout:        30 * time.Second,
		RetryAttempts:  2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Client is a faceprovider.Client backed by the Luxand HTTP API.
type Client struct {
	cfg    Config
	http   *resty.Client
	retry  retry.Policy
	logger *zap.Logger
}

var _ faceprovider.Client = (*Client)(nil)

// NewClient validates cfg and builds a client. Zero durations fall back to DefaultConfig.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("luxand: base URL is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("luxand: API token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaults.RetryAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("luxand")

	httpClient := resty.New().
		SetHostURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("token", cfg.Token).
		SetHeader("Accept", "application/json")
	httpClient.OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
		logger.Debug("provider response",
			zap.String("method", r.Request.Method),
			zap.String("url", r.Request.URL),
			zap.Int("status", r.StatusCode()),
			zap.Duration("duration", r.Time()),
		)
		return nil
	})

	return &Client{
		cfg:  cfg,
		http: httpClient,
		retry: retry.Policy{
			Attempts:       cfg.RetryAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			Retryable: func(err error) bool {
				return errors.Is(err, faceprovider.ErrUnavailable)
			},
		},
		logger: logger,
	}, nil
}

// Enroll registers image under label. The identifier is taken from the response when
// present, otherwise the enrolled persons are listed and the first entry carrying the
// label wins. Enroll is never retried: a repeat would create a second person upstream.
func (c *Client) Enroll(ctx context.Context, image []byte, label string) (*faceprovider.Enrollment, error) {
	requestID := logging.RequestID(ctx)
	opLogger := logging.WithOperation(c.logger, "luxand.enroll", requestID)

	res, err := c.call(ctx, http.MethodPost+" "+enrollPath, faceprovider.ErrEnrollmentFailed, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetFormData(map[string]string{"name": label, "store": "1"}).
			SetFileReader("photos", photoFileName, bytes.NewReader(image)).
			Post(enrollPath)
	})
	if err != nil {
		opLogger.Error("enroll call failed", zap.Error(err))
		return nil, logging.NewOperationError("luxand.enroll", requestID, err)
	}

	if id, ok := enrollmentID(res.payload); ok {
		opLogger.Info("enrollment identifier resolved", zap.String("path", string(faceprovider.PathDirect)))
		return &faceprovider.Enrollment{FaceID: id, Path: faceprovider.PathDirect}, nil
	}

	opLogger.Warn("enrollment response carried no identifier, listing persons",
		zap.Int("status", res.status),
		zap.String("body", faceprovider.Truncate(res.body)),
	)
	id, err := c.findByLabel(ctx, label)
	if err != nil {
		opLogger.Error("listing fallback failed", zap.Error(err))
		return nil, err
	}
	opLogger.Info("enrollment identifier resolved", zap.String("path", string(faceprovider.PathListing)))
	return &faceprovider.Enrollment{FaceID: id, Path: faceprovider.PathListing}, nil
}

func (c *Client) findByLabel(ctx context.Context, label string) (string, error) {
	op := http.MethodGet + " " + listPath
	var found string
	err := c.retry.Do(ctx, c.logger, "luxand.enroll.listing", logging.RequestID(ctx), func() error {
		res, err := c.call(ctx, op, faceprovider.ErrEnrollmentFailed, false, func(r *resty.Request) (*resty.Response, error) {
			return r.Get(listPath)
		})
		if err != nil {
			return err
		}
		persons, ok := unwrapList(res.payload, "persons", "data", "items")
		if !ok {
			return faceprovider.NewError(op, faceprovider.ErrEnrollmentFailed, res.status, res.body,
				fmt.Errorf("unexpected listing payload %T", res.payload))
		}
		for _, entry := range persons {
			person, err := decodeIdentity(entry)
			if err != nil {
				continue
			}
			if id := person.identifier(); id != "" && person.Name == label {
				found = id
				return nil
			}
		}
		return faceprovider.NewError(op, faceprovider.ErrEnrollmentFailed, res.status, res.body,
			fmt.Errorf("no enrolled person labelled %q", label))
	})
	return found, err
}

// Search returns candidate matches for image in upstream order.
func (c *Client) Search(ctx context.Context, image []byte) ([]faceprovider.MatchCandidate, error) {
	op := http.MethodPost + " " + searchPath
	requestID := logging.RequestID(ctx)

	var candidates []faceprovider.MatchCandidate
	err := c.retry.Do(ctx, c.logger, "luxand.search", requestID, func() error {
		res, err := c.call(ctx, op, faceprovider.ErrVerificationFailed, false, func(r *resty.Request) (*resty.Response, error) {
			return r.SetFileReader("photo", photoFileName, bytes.NewReader(image)).Post(searchPath)
		})
		if err != nil {
			return err
		}
		var stats searchStats
		candidates, stats, err = normalizeCandidates(res.payload)
		if err != nil {
			return faceprovider.NewError(op, faceprovider.ErrVerificationFailed, res.status, res.body, err)
		}
		if stats.Dropped > 0 || len(stats.Malformed) > 0 {
			logging.WithOperation(c.logger, "luxand.search", requestID).
				Warn("search result partially unreadable",
					zap.Int("dropped", stats.Dropped),
					zap.Strings("malformed_fields", stats.Malformed),
				)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// Delete removes the person identified by faceID.
func (c *Client) Delete(ctx context.Context, faceID string) error {
	op := http.MethodDelete + " " + deletePath
	if strings.TrimSpace(faceID) == "" {
		return faceprovider.NewError(op, faceprovider.ErrDeletionFailed, 0, nil, errors.New("face id is required"))
	}
	path := deletePath + url.PathEscape(faceID)
	requestID := logging.RequestID(ctx)

	attempt := 0
	return c.retry.Do(ctx, c.logger, "luxand.delete", requestID, func() error {
		attempt++
		_, err := c.call(ctx, op, faceprovider.ErrDeletionFailed, true, func(r *resty.Request) (*resty.Response, error) {
			return r.Delete(path)
		})
		// A 404 after an attempt that timed out means that attempt went through.
		var providerErr *faceprovider.Error
		if attempt > 1 && errors.Is(err, faceprovider.ErrDeletionFailed) &&
			errors.As(err, &providerErr) && providerErr.StatusCode == http.StatusNotFound {
			logging.WithOperation(c.logger, "luxand.delete", requestID).
				Info("person already removed by an earlier attempt")
			return nil
		}
		return err
	})
}

type result struct {
	payload interface{}
	status  int
	body    []byte
}

// call performs one bounded request. Transport failures become ErrUnavailable, markup or
// undecodable bodies ErrResponseMalformed, and non-2xx statuses the given failure kind.
func (c *Client) call(ctx context.Context, op string, failure error, allowEmpty bool, send func(*resty.Request) (*resty.Response, error)) (*result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := send(c.http.R().SetContext(callCtx))
	if err != nil {
		return nil, faceprovider.NewError(op, faceprovider.ErrUnavailable, 0, nil, err)
	}

	status := resp.StatusCode()
	body := resp.Body()
	payload, err := parseBody(resp.Header().Get("Content-Type"), body, allowEmpty)
	if err != nil {
		return nil, faceprovider.NewError(op, faceprovider.ErrResponseMalformed, status, body, err)
	}

	if status < 200 || status > 299 {
		return nil, faceprovider.NewError(op, failure, status, body, errors.New(errorMessage(payload, status)))
	}
	return &result{payload: payload, status: status, body: body}, nil
}

// parseBody decodes a JSON body. Markup means a wrong endpoint or a rejected token and is
// never treated as data.
func parseBody(contentType string, body []byte, allowEmpty bool) (interface{}, error) {
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(strings.ToLower(contentType), "text/html") || bytes.HasPrefix(trimmed, []byte("<")) {
		return nil, errors.New("received markup instead of JSON, check the API token and endpoint")
	}
	if len(trimmed) == 0 {
		if allowEmpty {
			return nil, nil
		}
		return nil, errors.New("empty response body")
	}

	// Numbers stay json.Number so large numeric identifiers keep every digit.
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid JSON response: trailing data")
	}
	return payload, nil
}

func errorMessage(payload interface{}, status int) string {
	if obj, ok := payload.(map[string]interface{}); ok {
		switch e := obj["error"].(type) {
		case map[string]interface{}:
			if msg, ok := e["message"].(string); ok && msg != "" {
				return msg
			}
		case string:
			if e != "" {
				return e
			}
		}
		for _, key := range []string{"message", "status"} {
			if msg, ok := obj[key].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}
