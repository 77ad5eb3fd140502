package verify

import "time"

const (
	SummarySchemaID      = "tapcheck.verify.summary"
	SummarySchemaVersion = "1.0.0"
)

const (
	TypeDocsisExpert  = "docsisexpert"
	TypeChannelExpert = "channelexpert"
)

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point is inside WGS84 bounds and is not the (0,0) sentinel.
func (p GeoPoint) Valid() bool {
	if p.Latitude < -90 || p.Latitude > 90 {
		return false
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return false
	}
	return p.Latitude != 0 || p.Longitude != 0
}

type Counts struct {
	Docsis  int `json:"docsis"`
	Channel int `json:"channel"`
}

// Reading pairs a measured value with its rule outcome. A nil WithinRule means
// no rule applied to the value.
type Reading struct {
	Value      float64 `json:"value"`
	WithinRule *bool   `json:"within_rule,omitempty"`
}

type MeasurementEntry struct {
	Label          string             `json:"label"`
	Type           string             `json:"type"`
	Identity       string             `json:"identity,omitempty"`
	IsDiscarded    bool               `json:"is_discarded"`
	FromContainer  bool               `json:"from_container"`
	SwitchPosition string             `json:"switch_position,omitempty"`
	SwitchGuessed  bool               `json:"switch_position_guessed,omitempty"`
	Levels         map[string]Reading `json:"levels,omitempty"`
	ICFR           map[string]Reading `json:"icfr,omitempty"`
	MER            map[string]Reading `json:"mer,omitempty"`
	BERPre         map[string]Reading `json:"ber_pre,omitempty"`
	BERPost        map[string]Reading `json:"ber_post,omitempty"`
	GeoLocation    *GeoPoint          `json:"geo_location,omitempty"`
}

type Issue struct {
	Code    string `json:"code"`
	Label   string `json:"label,omitempty"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message"`
}

type Summary struct {
	SchemaID         string             `json:"schema_id"`
	SchemaVersion    string             `json:"schema_version"`
	CreatedAt        time.Time          `json:"created_at"`
	ProducerVersion  string             `json:"producer_version"`
	RunID            string             `json:"run_id"`
	AssetID          string             `json:"asset_id"`
	AssetClass       string             `json:"asset_class"`
	Context          string             `json:"context"`
	Band             string             `json:"band"`
	Expected         Counts             `json:"expected"`
	Found            Counts             `json:"found"`
	ValidFiles       []string           `json:"valid_files"`
	InvalidTypeFiles []string           `json:"invalid_type_files"`
	ParseErrorFiles  []string           `json:"parse_error_files"`
	DuplicateFiles   []string           `json:"duplicate_files"`
	DuplicateEntries []string           `json:"duplicate_entries"`
	SurplusLabels    []string           `json:"surplus_labels"`
	DiscardedLabels  []string           `json:"discarded_labels"`
	RemovedFiles     []string           `json:"removed_files"`
	Entries          []MeasurementEntry `json:"entries"`
	Issues           []Issue            `json:"issues"`
	GeoIssues        []Issue            `json:"geo_issues"`
	GeoLocation      *GeoPoint          `json:"geo_location,omitempty"`
	GeoDisagreement  bool               `json:"geo_disagreement"`
	ObservationCount int                `json:"observation_count"`
}

// Complete reports whether the found counts reach the expected counts and no
// observation is pending.
func (s Summary) Complete() bool {
	return s.Found.Docsis >= s.Expected.Docsis &&
		s.Found.Channel >= s.Expected.Channel &&
		s.ObservationCount == 0
}
