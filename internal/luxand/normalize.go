package luxand

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/example/faceid/internal/faceprovider"
)

// rawIdentity captures every field name the API has used for a person or a match.
type rawIdentity struct {
	UUID        string
	ID          string
	PersonUUID  string
	Name        string
	Probability *float64
	Confidence  *float64
	Similarity  *float64
	// malformed lists the fields present with a type that could not be read.
	malformed []string
}

func (r rawIdentity) identifier() string {
	for _, v := range []string{r.UUID, r.ID, r.PersonUUID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (r rawIdentity) confidence() float64 {
	for _, v := range []*float64{r.Probability, r.Confidence, r.Similarity} {
		if v != nil {
			return normalizeConfidence(*v)
		}
	}
	return 0
}

// decodeIdentity reads each field on its own with weak typing, so numeric ids and
// stringified scores decode and an unreadable field only blanks itself.
func decodeIdentity(v interface{}) (rawIdentity, error) {
	var out rawIdentity
	obj, ok := v.(map[string]interface{})
	if !ok {
		return out, fmt.Errorf("expected object, got %T", v)
	}

	for key, dst := range map[string]*string{
		"uuid":        &out.UUID,
		"id":          &out.ID,
		"person_uuid": &out.PersonUUID,
		"name":        &out.Name,
	} {
		raw, ok := obj[key]
		if !ok || raw == nil {
			continue
		}
		var value string
		if err := mapstructure.WeakDecode(raw, &value); err != nil {
			out.malformed = append(out.malformed, key)
			continue
		}
		*dst = value
	}

	for key, dst := range map[string]**float64{
		"probability": &out.Probability,
		"confidence":  &out.Confidence,
		"similarity":  &out.Similarity,
	} {
		raw, ok := obj[key]
		if !ok || raw == nil {
			continue
		}
		var value float64
		if err := mapstructure.WeakDecode(raw, &value); err != nil {
			out.malformed = append(out.malformed, key)
			continue
		}
		*dst = &value
	}

	sort.Strings(out.malformed)
	return out, nil
}

// enrollmentID looks for the identifier at the top level, then under a wrapping object.
func enrollmentID(payload interface{}) (string, bool) {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return "", false
	}
	candidates := []interface{}{obj}
	for _, key := range []string{"person", "data"} {
		if nested, ok := obj[key].(map[string]interface{}); ok {
			candidates = append(candidates, nested)
		}
	}
	for _, c := range candidates {
		ident, err := decodeIdentity(c)
		if err != nil {
			continue
		}
		if id := ident.identifier(); id != "" {
			return id, true
		}
	}
	return "", false
}

// unwrapList accepts a bare array or an object holding the array under one of keys.
func unwrapList(payload interface{}, keys ...string) ([]interface{}, bool) {
	switch v := payload.(type) {
	case []interface{}:
		return v, true
	case map[string]interface{}:
		for _, key := range keys {
			if list, ok := v[key].([]interface{}); ok {
				return list, true
			}
		}
	}
	return nil, false
}

// searchStats counts what normalization had to skip.
type searchStats struct {
	Dropped   int
	Malformed []string
}

// normalizeCandidates keeps upstream order. The first entry is the provider's top pick
// and must carry a readable identifier, otherwise the whole result is rejected rather
// than promoting the runner-up. Later entries without an identifier are dropped.
func normalizeCandidates(payload interface{}) ([]faceprovider.MatchCandidate, searchStats, error) {
	var stats searchStats
	entries, ok := unwrapList(payload, "result", "results", "candidates")
	if !ok {
		return nil, stats, fmt.Errorf("unexpected search payload %T", payload)
	}

	candidates := make([]faceprovider.MatchCandidate, 0, len(entries))
	for i, entry := range entries {
		ident, err := decodeIdentity(entry)
		id := ident.identifier()
		if err != nil || id == "" {
			if i == 0 {
				return nil, stats, fmt.Errorf("top candidate has no readable identifier: %v", entry)
			}
			stats.Dropped++
			continue
		}
		for _, field := range ident.malformed {
			stats.Malformed = append(stats.Malformed, fmt.Sprintf("%d.%s", i, field))
		}
		candidates = append(candidates, faceprovider.MatchCandidate{
			FaceID:     id,
			Confidence: ident.confidence(),
			Label:      ident.Name,
		})
	}
	return candidates, stats, nil
}

// normalizeConfidence maps a score onto [0,1]. Scores above 1 and up to 100 are
// percentages.
func normalizeConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 && v <= 100 {
		v /= 100
	}
	return math.Min(v, 1)
}
