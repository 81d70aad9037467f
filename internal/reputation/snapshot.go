package reputation

import "time"

// Snapshot is a point-in-time copy of a profile stored for history.
type Snapshot struct {
	ID            int64     `json:"id"`
	AgentAddr     string    `json:"agentAddr"`
	TotalRatings  uint64    `json:"totalRatings"`
	AverageRating uint32    `json:"averageRating"`
	QualityScore  uint32    `json:"qualityScore"`
	SpeedScore    uint32    `json:"speedScore"`
	ValueScore    uint32    `json:"valueScore"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SnapshotFromProfile creates a Snapshot of p taken at now.
func SnapshotFromProfile(p *Profile, now time.Time) *Snapshot {
	return &Snapshot{
		AgentAddr:     p.AgentAddr,
		TotalRatings:  p.TotalRatings,
		AverageRating: p.AverageRating,
		QualityScore:  p.QualityScore,
		SpeedScore:    p.SpeedScore,
		ValueScore:    p.ValueScore,
		CreatedAt:     now,
	}
}

// SignedProfile wraps a Profile with HMAC signature and validity window.
type SignedProfile struct {
	Profile   *Profile `json:"profile"`
	Signature string   `json:"signature,omitempty"`
	IssuedAt  string   `json:"issuedAt,omitempty"`
	ExpiresAt string   `json:"expiresAt,omitempty"`
}

// HistoryQuery holds query parameters for historical profiles.
type HistoryQuery struct {
	AgentAddr string
	From      time.Time
	To        time.Time
	Limit     int
}
