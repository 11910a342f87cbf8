package model

import "time"

// SourceProgrammatic marks surveys synthesized from current link attributes.
// They are fully regenerated on every resync; every other source string is a
// free-text user source.
const SourceProgrammatic = "programmatic"

// Survey is one attribute observation along a linear asset, addressed by a
// half-open chainage range [chainage_start, chainage_end).
//
// A value of nil in Values means the survey explicitly reports "no value" for
// that attribute, which is distinct from the attribute key being absent.
type Survey struct {
	ID            int64              `json:"id"`
	RoadCode      string             `json:"road_code"`
	AssetID       string             `json:"asset_id"`
	AssetCode     string             `json:"asset_code"`
	ChainageStart float64            `json:"chainage_start"`
	ChainageEnd   float64            `json:"chainage_end"`
	Source        string             `json:"source"`
	AddedBy       string             `json:"added_by,omitempty"`
	DateSurveyed  *time.Time         `json:"date_surveyed"`
	Values        map[string]*string `json:"values"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Programmatic reports whether the survey is synthesized rather than user-entered.
func (s *Survey) Programmatic() bool { return s.Source == SourceProgrammatic }

// Malformed reports whether the survey has a zero-width or inverted chainage
// range. Such surveys are invalid and subject to deletion with an audit note.
func (s *Survey) Malformed() bool { return s.ChainageStart >= s.ChainageEnd }

// Length returns the chainage length covered by the survey.
func (s *Survey) Length() float64 { return s.ChainageEnd - s.ChainageStart }

// Value returns the survey's value for an attribute. ok is false when the
// attribute is absent from the value map; a true ok with a nil value is an
// explicit "no value" report.
func (s *Survey) Value(attribute string) (val *string, ok bool) {
	val, ok = s.Values[attribute]
	return val, ok
}

// CloneValues deep-copies the value map so split surveys do not alias it.
func (s *Survey) CloneValues() map[string]*string {
	if s.Values == nil {
		return nil
	}
	out := make(map[string]*string, len(s.Values))
	for k, v := range s.Values {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = Str(*v)
	}
	return out
}

// AttributeSegment is one interval of the flattened, non-overlapping timeline
// the breakpoint aggregator produces for a (asset, attribute) pair. For a
// fixed asset and attribute, segments are ordered by StartChainage, adjacent
// segments share a boundary, and no two adjacent segments carry the same value.
type AttributeSegment struct {
	AssetID       string     `json:"asset_id"`
	AssetCode     string     `json:"asset_code"`
	RoadCode      string     `json:"road_code"`
	Attribute     string     `json:"attribute"`
	StartChainage float64    `json:"start_chainage"`
	EndChainage   float64    `json:"end_chainage"`
	Value         *string    `json:"value"`
	SurveyID      int64      `json:"survey_id"`
	SurveyedBy    string     `json:"surveyed_by,omitempty"`
	DateSurveyed  *time.Time `json:"date_surveyed"`
}

// Length returns the chainage length covered by the segment.
func (a *AttributeSegment) Length() float64 { return a.EndChainage - a.StartChainage }

// AuditEntry is one append-only change-log record. Every destructive or
// corrective write carries a machine-readable reason so it is auditable after
// the fact.
type AuditEntry struct {
	ID        string    `json:"id"`
	Entity    string    `json:"entity"`
	EntityID  int64     `json:"entity_id"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
