// Package reputation aggregates provider ratings into reputation profiles.
//
// A profile carries the running mean of every currently valid rating's
// overall stars and of its quality, speed and value sub-scores. Means are
// updated incrementally with integer truncation at each step:
//
//	new = (old*count + value) / (count+1)
//
// so they match a replay of the same recurrence, not a plain division of
// the true sum. Moderation can retract a rating from the overall mean and
// count; sub-scores keep its contribution.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/idgen"
	"github.com/mbd888/agentmarket/internal/ledger"
	"github.com/mbd888/agentmarket/internal/logging"
	"github.com/mbd888/agentmarket/internal/metrics"
	"github.com/mbd888/agentmarket/internal/traces"
	"github.com/mbd888/agentmarket/internal/validation"
)

var (
	ErrProfileExists      = errors.New("reputation profile already exists")
	ErrProfileNotFound    = errors.New("reputation profile not found")
	ErrRatingNotFound     = errors.New("rating not found")
	ErrInvalidRating      = errors.New("rating must be between 1 and 5")
	ErrReviewTooLong      = errors.New("review text is too long (max 1000 bytes)")
	ErrReasonTooLong      = errors.New("report reason is too long (max 500 bytes)")
	ErrNoteTooLong        = errors.New("admin note is too long (max 500 bytes)")
	ErrDuplicateRating    = errors.New("request already rated by this requester")
	ErrAlreadyInvalidated = errors.New("rating already ruled invalid")
	ErrUnauthorized       = errors.New("not authorized to moderate ratings")
	ErrAgentMismatch      = errors.New("request was not served by this agent")
	ErrNotEligible        = errors.New("rater is not eligible to rate this request")
	ErrInvalidAgent       = errors.New("invalid agent address")
	ErrMissingRequest     = errors.New("request id is required")
	ErrOverflow           = ledger.ErrOverflow
)

// Text bounds in bytes.
const (
	MaxReview = 1000
	MaxReason = 500
	MaxNote   = 500
)

// Buckets owned by this package.
const (
	BucketProfiles = "reputation_profiles"
	BucketRatings  = "ratings"
	bucketByAgent  = "ratings_by_agent"
)

// Profile is the reputation aggregate of one agent. Averages are unscaled
// integer means in [0,5].
type Profile struct {
	AgentAddr     string     `json:"agentAddr"`
	TotalRatings  uint64     `json:"totalRatings"`
	AverageRating uint32     `json:"averageRating"`
	QualityScore  uint32     `json:"qualityScore"`
	SpeedScore    uint32     `json:"speedScore"`
	ValueScore    uint32     `json:"valueScore"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastRatingAt  *time.Time `json:"lastRatingAt,omitempty"`
}

// Rating is one requester's rating of one completed request.
type Rating struct {
	ID           string     `json:"id"`
	AgentAddr    string     `json:"agentAddr"`
	RaterAddr    string     `json:"raterAddr"`
	RequestID    string     `json:"requestId"`
	Stars        uint8      `json:"stars"`
	Quality      uint8      `json:"quality"`
	Speed        uint8      `json:"speed"`
	Value        uint8      `json:"value"`
	ReviewText   string     `json:"reviewText,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	IsReported   bool       `json:"isReported"`
	ReportReason string     `json:"reportReason,omitempty"`
	ReportedBy   string     `json:"reportedBy,omitempty"`
	IsModerated  bool       `json:"isModerated"`
	IsValid      bool       `json:"isValid"`
	AdminNote    string     `json:"adminNote,omitempty"`
	ModeratedBy  string     `json:"moderatedBy,omitempty"`
	ModeratedAt  *time.Time `json:"moderatedAt,omitempty"`
}

// RatingRequest contains a new rating. AgentAddr may be left empty when the
// service checks eligibility; the request's provider is rated then.
type RatingRequest struct {
	AgentAddr  string `json:"agentAddr"`
	RequestID  string `json:"requestId" binding:"required"`
	Stars      uint8  `json:"stars"`
	Quality    uint8  `json:"quality"`
	Speed      uint8  `json:"speed"`
	Value      uint8  `json:"value"`
	ReviewText string `json:"reviewText"`
}

// Eligibility decides, inside the rating unit, whether rater may rate
// requestID, and returns the provider the rating applies to.
type Eligibility interface {
	RatingEligibility(tx *ledger.Tx, requestID, rater string) (string, error)
}

// Service implements the reputation aggregator.
type Service struct {
	ledger      *ledger.Ledger
	eligibility Eligibility
	moderators  map[string]bool
}

// NewService creates a new reputation service.
func NewService(l *ledger.Ledger) *Service {
	return &Service{ledger: l, moderators: make(map[string]bool)}
}

// WithEligibility ties ratings to settled requests.
func (s *Service) WithEligibility(e Eligibility) *Service {
	s.eligibility = e
	return s
}

// WithModerators sets the principals allowed to moderate ratings.
func (s *Service) WithModerators(addrs ...string) *Service {
	for _, a := range addrs {
		if a = validation.NormalizeAddress(a); a != "" {
			s.moderators[a] = true
		}
	}
	return s
}

// IsModerator reports whether addr may moderate.
func (s *Service) IsModerator(addr string) bool {
	return s.moderators[validation.NormalizeAddress(addr)]
}

// RatingID is the storage key of the rating rater gives requestID. One
// rater can rate one request once.
func RatingID(rater, requestID string) string {
	return idgen.Derive("rtg_", validation.NormalizeAddress(rater), requestID)
}

// InitializeProfile creates a zeroed profile for agent.
func (s *Service) InitializeProfile(ctx context.Context, agent string) (p *Profile, err error) {
	ctx, span := traces.StartSpan(ctx, "reputation.InitializeProfile", traces.AgentAddr(agent))
	defer func() { traces.End(span, err) }()

	if !validation.IsValidAddress(agent) {
		return nil, ErrInvalidAgent
	}
	agent = validation.NormalizeAddress(agent)

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		p = &Profile{AgentAddr: agent, CreatedAt: tx.Now()}
		if err := tx.Insert(BucketProfiles, agent, p); err != nil {
			if errors.Is(err, ledger.ErrAlreadyExists) {
				return ErrProfileExists
			}
			return err
		}
		tx.Emit(events.New(events.ProfileInitialized, agent, agent, nil, agent))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SubmitRating records rater's rating and folds it into the agent's profile.
func (s *Service) SubmitRating(ctx context.Context, rater string, req RatingRequest) (rt *Rating, err error) {
	ctx, span := traces.StartSpan(ctx, "reputation.SubmitRating",
		traces.Actor(rater), traces.AgentAddr(req.AgentAddr), traces.RequestID(req.RequestID))
	defer func() { traces.End(span, err) }()

	for _, v := range []uint8{req.Stars, req.Quality, req.Speed, req.Value} {
		if v < 1 || v > 5 {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidRating, v)
		}
	}
	if !validation.WithinBytes(req.ReviewText, MaxReview) {
		return nil, ErrReviewTooLong
	}
	if req.RequestID == "" {
		return nil, ErrMissingRequest
	}
	if req.AgentAddr != "" && !validation.IsValidAddress(req.AgentAddr) {
		return nil, ErrInvalidAgent
	}
	if req.AgentAddr == "" && s.eligibility == nil {
		return nil, ErrInvalidAgent
	}
	rater = validation.NormalizeAddress(rater)
	agent := validation.NormalizeAddress(req.AgentAddr)

	var p *Profile
	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if s.eligibility != nil {
			provider, err := s.eligibility.RatingEligibility(tx, req.RequestID, rater)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrNotEligible, err)
			}
			provider = validation.NormalizeAddress(provider)
			if agent == "" {
				agent = provider
			} else if agent != provider {
				return ErrAgentMismatch
			}
		}

		var lerr error
		if p, lerr = loadProfile(tx, agent); lerr != nil {
			return lerr
		}

		now := tx.Now()
		rt = &Rating{
			ID:         RatingID(rater, req.RequestID),
			AgentAddr:  agent,
			RaterAddr:  rater,
			RequestID:  req.RequestID,
			Stars:      req.Stars,
			Quality:    req.Quality,
			Speed:      req.Speed,
			Value:      req.Value,
			ReviewText: req.ReviewText,
			CreatedAt:  now,
			IsValid:    true,
		}
		if err := tx.Insert(BucketRatings, rt.ID, rt); err != nil {
			if errors.Is(err, ledger.ErrAlreadyExists) {
				return ErrDuplicateRating
			}
			return err
		}
		if err := tx.Put(bucketByAgent, fmt.Sprintf("%s/%020d/%s", agent, now.UnixNano(), rt.ID), rt.ID); err != nil {
			return err
		}

		if err := p.apply(rt); err != nil {
			return err
		}
		p.LastRatingAt = &now
		if err := tx.Put(BucketProfiles, agent, p); err != nil {
			return err
		}

		tx.Emit(events.New(events.RatingSubmitted, rt.ID, rater, map[string]any{
			"agentAddr":  agent,
			"requestId":  rt.RequestID,
			"stars":      rt.Stars,
			"newAverage": p.AverageRating,
		}, rater, agent))
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RatingsTotal.Inc()
	logging.L(ctx).Info("rating submitted",
		"rating", rt.ID, "agent", agent, "stars", rt.Stars, "average", p.AverageRating)
	return rt, nil
}

// ReportRating flags a rating for moderation. The profile is unchanged.
func (s *Service) ReportRating(ctx context.Context, caller, ratingID, reason string) (rt *Rating, err error) {
	ctx, span := traces.StartSpan(ctx, "reputation.ReportRating", traces.RatingID(ratingID), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	if !validation.WithinBytes(reason, MaxReason) {
		return nil, ErrReasonTooLong
	}
	caller = validation.NormalizeAddress(caller)

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		if rt, lerr = loadRating(tx, ratingID); lerr != nil {
			return lerr
		}
		rt.IsReported = true
		rt.ReportReason = reason
		rt.ReportedBy = caller
		if err := tx.Put(BucketRatings, rt.ID, rt); err != nil {
			return err
		}
		tx.Emit(events.New(events.RatingReported, rt.ID, caller, map[string]any{
			"reason": reason,
		}, rt.AgentAddr))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// ModerateRating records a moderator's ruling. Ruling a rating invalid
// removes its stars from the agent's overall average and count.
func (s *Service) ModerateRating(ctx context.Context, caller, ratingID string, isValid bool, note string) (rt *Rating, err error) {
	ctx, span := traces.StartSpan(ctx, "reputation.ModerateRating", traces.RatingID(ratingID), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	if !s.IsModerator(caller) {
		return nil, ErrUnauthorized
	}
	if !validation.WithinBytes(note, MaxNote) {
		return nil, ErrNoteTooLong
	}
	caller = validation.NormalizeAddress(caller)

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		if rt, lerr = loadRating(tx, ratingID); lerr != nil {
			return lerr
		}
		if rt.IsModerated && !rt.IsValid {
			return ErrAlreadyInvalidated
		}

		now := tx.Now()
		rt.IsModerated = true
		rt.IsValid = isValid
		rt.AdminNote = note
		rt.ModeratedBy = caller
		rt.ModeratedAt = &now
		if err := tx.Put(BucketRatings, rt.ID, rt); err != nil {
			return err
		}

		if !isValid {
			p, err := loadProfile(tx, rt.AgentAddr)
			if err != nil {
				return err
			}
			if err := p.retract(rt.Stars); err != nil {
				return err
			}
			if err := tx.Put(BucketProfiles, p.AgentAddr, p); err != nil {
				return err
			}
		}

		tx.Emit(events.New(events.RatingModerated, rt.ID, caller, map[string]any{
			"isValid":   isValid,
			"moderator": caller,
		}, rt.AgentAddr))
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := "valid"
	if !isValid {
		outcome = "invalid"
	}
	metrics.ModerationsTotal.WithLabelValues(outcome).Inc()
	logging.L(ctx).Info("rating moderated", "rating", rt.ID, "valid", isValid, "moderator", caller)
	return rt, nil
}

// GetProfile returns the profile of agent.
func (s *Service) GetProfile(ctx context.Context, agent string) (*Profile, error) {
	var p *Profile
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		var err error
		p, err = loadProfile(tx, validation.NormalizeAddress(agent))
		return err
	})
	return p, err
}

// GetRating returns rating id.
func (s *Service) GetRating(ctx context.Context, id string) (*Rating, error) {
	var rt *Rating
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		var err error
		rt, err = loadRating(tx, id)
		return err
	})
	return rt, err
}

// ListRatings returns up to limit ratings of agent, newest first.
func (s *Service) ListRatings(ctx context.Context, agent string, limit int) ([]*Rating, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := validation.NormalizeAddress(agent) + "/"

	var out []*Rating
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		keys, err := tx.Keys(bucketByAgent, prefix)
		if err != nil {
			return err
		}
		for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
			var id string
			if err := tx.Get(bucketByAgent, keys[i], &id); err != nil {
				return err
			}
			rt, err := loadRating(tx, id)
			if err != nil {
				return err
			}
			out = append(out, rt)
		}
		return nil
	})
	return out, err
}

// ListProfiles returns every profile, ordered by agent address.
func (s *Service) ListProfiles(ctx context.Context) ([]*Profile, error) {
	var out []*Profile
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		keys, err := tx.Keys(BucketProfiles, "")
		if err != nil {
			return err
		}
		out = make([]*Profile, 0, len(keys))
		for _, k := range keys {
			p, err := loadProfile(tx, k)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// apply folds a new rating into the profile.
func (p *Profile) apply(rt *Rating) error {
	n := p.TotalRatings
	var err error
	if p.AverageRating, err = runningMean(p.AverageRating, n, rt.Stars); err != nil {
		return err
	}
	if p.QualityScore, err = runningMean(p.QualityScore, n, rt.Quality); err != nil {
		return err
	}
	if p.SpeedScore, err = runningMean(p.SpeedScore, n, rt.Speed); err != nil {
		return err
	}
	if p.ValueScore, err = runningMean(p.ValueScore, n, rt.Value); err != nil {
		return err
	}
	p.TotalRatings++
	return nil
}

// retract removes stars from the overall average and count.
func (p *Profile) retract(stars uint8) error {
	if p.TotalRatings <= 1 {
		p.TotalRatings = 0
		p.AverageRating = 0
		return nil
	}
	total, err := mulChecked(uint64(p.AverageRating), p.TotalRatings)
	if err != nil {
		return err
	}
	if total < uint64(stars) {
		// Truncation can leave the stored total below a single rating.
		return fmt.Errorf("%w: retracting %d from total %d", ErrOverflow, stars, total)
	}
	p.TotalRatings--
	p.AverageRating = uint32((total - uint64(stars)) / p.TotalRatings)
	return nil
}

// runningMean is (avg*count + v) / (count+1), truncating.
func runningMean(avg uint32, count uint64, v uint8) (uint32, error) {
	if count == 0 {
		return uint32(v), nil
	}
	total, err := mulChecked(uint64(avg), count)
	if err != nil {
		return 0, err
	}
	if total, err = ledger.AddChecked(total, uint64(v)); err != nil {
		return 0, err
	}
	next, err := ledger.AddChecked(count, 1)
	if err != nil {
		return 0, err
	}
	return uint32(total / next), nil
}

func mulChecked(a, b uint64) (uint64, error) {
	if a != 0 && b > math.MaxUint64/a {
		return 0, ErrOverflow
	}
	return a * b, nil
}

func loadProfile(tx *ledger.Tx, agent string) (*Profile, error) {
	var p Profile
	if err := tx.Get(BucketProfiles, agent, &p); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

func loadRating(tx *ledger.Tx, id string) (*Rating, error) {
	var rt Rating
	if err := tx.Get(BucketRatings, strings.TrimSpace(id), &rt); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrRatingNotFound
		}
		return nil, err
	}
	return &rt, nil
}
