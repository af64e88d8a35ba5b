// Package faceprovider defines the provider-independent contract for the external
// face-recognition service. Concrete adapters normalise their upstream payloads into
// these types so that schema drift never leaks past the adapter.
package faceprovider

import "context"

// EnrollPath reports how an enrollment identifier was obtained.
type EnrollPath string

const (
	// PathDirect means the identifier was present in the enrollment response.
	PathDirect EnrollPath = "direct"
	// PathListing means the identifier was found by listing enrolled identities by label.
	PathListing EnrollPath = "listing"
)

// Enrollment is the outcome of a successful enroll call.
type Enrollment struct {
	FaceID string
	Path   EnrollPath
}

// MatchCandidate is one face the provider considers a possible match.
type MatchCandidate struct {
	FaceID     string
	Confidence float64
	Label      string
}

// Client exposes the operations the identity flows need from the provider.
//
// Search returns candidates in the provider's own order; the first element is the
// provider's top pick and implementations must not re-sort.
type Client interface {
	Enroll(ctx context.Context, image []byte, label string) (*Enrollment, error)
	Search(ctx context.Context, image []byte) ([]MatchCandidate, error)
	Delete(ctx context.Context, faceID string) error
}
