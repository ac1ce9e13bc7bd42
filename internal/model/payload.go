package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Job payloads and results form a closed tagged union keyed by JobType.
// Each kind owns its own schema, checked at decode time.

// DistillPayload asks a worker to turn raw content into atomic claims.
// Context carries the concatenated claims of earlier fragments so later
// fragments are distilled knowing what came before.
type DistillPayload struct {
	EntryID     string  `json:"entry_id"`
	ContentType string  `json:"content_type"`
	Content     string  `json:"content"`
	Context     []Claim `json:"context,omitempty"`
}

// DistillResult is the worker's claim list, capped server-side.
type DistillResult struct {
	Claims []Claim `json:"claims"`
}

// EmbedPayload asks a worker for a single vector over the claim set.
type EmbedPayload struct {
	EntryID string  `json:"entry_id"`
	Claims  []Claim `json:"claims"`
}

// EmbedResult carries the claim-set embedding.
type EmbedResult struct {
	Embedding []float64 `json:"embedding"`
}

// ComparePayload asks a worker to classify every claim of one entry against
// a neighbor's claims.
type ComparePayload struct {
	EntryID       string  `json:"entry_id"`
	AgainstID     string  `json:"against_id"`
	Claims        []Claim `json:"claims"`
	AgainstClaims []Claim `json:"against_claims"`
}

// Contradiction flags one new claim as contradicting the neighbor, with a
// severity in [0,1].
type Contradiction struct {
	ClaimIndex int     `json:"claim_index"`
	Severity   float64 `json:"severity"`
}

// CompareResult partitions the new claim set into novel, redundant and
// contradicting. Novel + Redundant + len(Contradictions) must equal the
// number of claims sent in the payload.
type CompareResult struct {
	Novel          int             `json:"novel"`
	Redundant      int             `json:"redundant"`
	Contradictions []Contradiction `json:"contradictions,omitempty"`
}

// ClassifyPayload asks a worker for a short topic string.
type ClassifyPayload struct {
	EntryID string `json:"entry_id"`
	Content string `json:"content"`
}

// ClassifyResult carries the topic.
type ClassifyResult struct {
	Topic string `json:"topic"`
}

// DecodeResult decodes and validates a raw worker result for the given job
// type. Unknown types and malformed documents are validation errors.
func DecodeResult(t JobType, raw json.RawMessage) (any, error) {
	switch t {
	case JobDistillClaims:
		var r DistillResult
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		for i, c := range r.Claims {
			if c.Text == "" {
				return nil, eris.Wrapf(ErrValidation, "model: claim %d has empty text", i)
			}
		}
		return &r, nil
	case JobEmbedClaims:
		var r EmbedResult
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		if len(r.Embedding) == 0 {
			return nil, eris.Wrap(ErrValidation, "model: empty embedding")
		}
		return &r, nil
	case JobCompareClaims:
		var r CompareResult
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		if r.Novel < 0 || r.Redundant < 0 {
			return nil, eris.Wrap(ErrValidation, "model: negative comparison counts")
		}
		for i, c := range r.Contradictions {
			if c.Severity < 0 || c.Severity > 1 {
				return nil, eris.Wrapf(ErrValidation, "model: contradiction %d severity out of range", i)
			}
		}
		return &r, nil
	case JobClassifyTopic:
		var r ClassifyResult
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		return &r, nil
	default:
		return nil, eris.Wrapf(ErrValidation, "model: unknown job type %q", t)
	}
}

// DecodePayload decodes a job payload for the given type.
func DecodePayload(t JobType, raw json.RawMessage) (any, error) {
	switch t {
	case JobDistillClaims:
		var p DistillPayload
		return &p, strictUnmarshal(raw, &p)
	case JobEmbedClaims:
		var p EmbedPayload
		return &p, strictUnmarshal(raw, &p)
	case JobCompareClaims:
		var p ComparePayload
		return &p, strictUnmarshal(raw, &p)
	case JobClassifyTopic:
		var p ClassifyPayload
		return &p, strictUnmarshal(raw, &p)
	default:
		return nil, eris.Wrapf(ErrValidation, "model: unknown job type %q", t)
	}
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return eris.Wrap(ErrValidation, "model: empty document")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return eris.Wrap(ErrValidation, "model: decode: "+err.Error())
	}
	return nil
}
