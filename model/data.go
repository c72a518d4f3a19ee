package model

import "time"

// AvailabilityStatus describes whether a profile handle has been proven reachable.
type AvailabilityStatus string

const (
	AvailabilityUnverified  AvailabilityStatus = "unverified"
	AvailabilityVerified    AvailabilityStatus = "verified"
	AvailabilityUnavailable AvailabilityStatus = "profile_unavailable"
)

// SelectionState is the state machine position of a candidate profile within
// a discovery batch. Transitions are applied by the discovery materializer.
type SelectionState string

const (
	SelectionDiscovered  SelectionState = "discovered"
	SelectionShortlisted SelectionState = "shortlisted"
	SelectionApproved    SelectionState = "approved"
	SelectionTopPick     SelectionState = "top_pick"
	SelectionFilteredOut SelectionState = "filtered_out"
	SelectionRejected    SelectionState = "rejected"
)

// RecordStatus is the execution status of a queue-facing discovered record.
type RecordStatus string

const (
	RecordSuggested RecordStatus = "suggested"
	RecordScraping  RecordStatus = "scraping"
	RecordScraped   RecordStatus = "scraped"
	RecordFailed    RecordStatus = "failed"
	RecordConfirmed RecordStatus = "confirmed"
)

// RunPhase is the lifecycle phase of an orchestration run.
type RunPhase string

const (
	RunPersisting RunPhase = "persisting"
	RunCompleted  RunPhase = "completed"
)

// CompetitorType classifies how a discovered candidate relates to the client.
type CompetitorType string

const (
	CompetitorDirect       CompetitorType = "direct"
	CompetitorIndirect     CompetitorType = "indirect"
	CompetitorAspirational CompetitorType = "aspirational"
)

// ScoreBreakdown captures the per-signal components behind a relevance score.
type ScoreBreakdown struct {
	NicheOverlap    float64 `json:"niche_overlap"`
	AudienceOverlap float64 `json:"audience_overlap"`
	ContentOverlap  float64 `json:"content_overlap"`
	ActivitySignal  float64 `json:"activity_signal"`
}

// Evidence is a single supporting signal attached to a candidate profile.
// The materializer caps evidence rows per profile and keeps the most
// relevant ones first.
type Evidence struct {
	ID        string    `json:"id"`
	ProfileID string    `json:"profile_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Relevance float64   `json:"relevance"`
	CreatedAt time.Time `json:"created_at"`
}

// CandidateProfile is a discovered (platform, handle) pair belonging to one
// research job. It is created by scoring and mutated by materialization and
// operator actions; it is never physically deleted except on hard rejection.
type CandidateProfile struct {
	ID                   string             `json:"id"`
	JobID                string             `json:"job_id"`
	IdentityGroupID      string             `json:"identity_group_id"`
	Platform             string             `json:"platform"`
	Handle               string             `json:"handle"`
	Availability         AvailabilityStatus `json:"availability"`
	AvailabilityReason   string             `json:"availability_reason,omitempty"`
	VerificationAttempts int                `json:"verification_attempts"`
	Selection            SelectionState     `json:"selection"`
	SelectionReason      string             `json:"selection_reason,omitempty"`
	Score                float64            `json:"score"`
	Breakdown            ScoreBreakdown     `json:"breakdown"`
	Evidence             []Evidence         `json:"evidence,omitempty"`
	DiscoverySources     []string           `json:"discovery_sources,omitempty"`
	CompetitorType       CompetitorType     `json:"competitor_type,omitempty"`
	DiscoveryReason      string             `json:"discovery_reason,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// IdentityGroup groups candidate profiles that belong to the same canonical
// entity, e.g. one brand across platforms. Derived for presentation, not
// independently authoritative.
type IdentityGroup struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	CanonicalName string    `json:"canonical_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// DiscoveredRecord is the queue-facing projection of a candidate profile.
// It is the only entity the queue runner and orchestrator operate on, and may
// be re-derived from its candidate profile at any time.
type DiscoveredRecord struct {
	ID            string             `json:"id"`
	JobID         string             `json:"job_id"`
	ProfileID     string             `json:"profile_id"`
	Platform      string             `json:"platform"`
	Handle        string             `json:"handle"`
	Availability  AvailabilityStatus `json:"availability"`
	Selection     SelectionState     `json:"selection"`
	Status        RecordStatus       `json:"status"`
	PostsFetched  int                `json:"posts_fetched"`
	LastScrapedAt time.Time          `json:"last_scraped_at"`
	LastError     string             `json:"last_error,omitempty"`
	Deleted       bool               `json:"deleted"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// OrchestrationRun captures one discovery batch execution: the scoring
// configuration snapshot, diagnostics and summary counts. Immutable once
// completed except for diagnostics appended.
type OrchestrationRun struct {
	ID             string            `json:"id"`
	JobID          string            `json:"job_id"`
	Phase          RunPhase          `json:"phase"`
	Mode           string            `json:"mode"`
	ConfigSnapshot map[string]string `json:"config_snapshot,omitempty"`
	Diagnostics    []string          `json:"diagnostics,omitempty"`
	Discovered     int               `json:"discovered"`
	Filtered       int               `json:"filtered"`
	Shortlisted    int               `json:"shortlisted"`
	TopPicks       int               `json:"top_picks"`
	Unavailable    int               `json:"profile_unavailable"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    time.Time         `json:"completed_at"`
}

// ContinuitySchedule is the per-job recurring re-fetch configuration and its
// bookkeeping state. The scheduler is the primary writer.
type ContinuitySchedule struct {
	JobID         string        `json:"job_id"`
	Enabled       bool          `json:"enabled"`
	Interval      time.Duration `json:"interval"`
	LastRunAt     time.Time     `json:"last_run_at"`
	NextRunAt     time.Time     `json:"next_run_at"`
	Running       bool          `json:"running"`
	LastError     string        `json:"last_error,omitempty"`
	LinkedHandles []JobHandle   `json:"linked_handles,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// JobHandle is a (platform, handle) pair linked to a job, e.g. the client's
// own accounts.
type JobHandle struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
}

// EngagementData carries profile-level counters reported by a platform.
type EngagementData struct {
	FollowerCount  int `json:"follower_count"`
	FollowingCount int `json:"following_count"`
	PostCount      int `json:"post_count"`
	LikeCount      int `json:"like_count"`
}

// ProfilePayload is the normalized result of one successful profile fetch:
// profile metadata plus a reverse-chronological page of posts.
type ProfilePayload struct {
	Platform     string         `json:"platform"`
	Handle       string         `json:"handle"`
	DisplayName  string         `json:"display_name"`
	Bio          string         `json:"bio"`
	ProfileImage string         `json:"profile_image"`
	IsVerified   bool           `json:"is_verified"`
	IsPrivate    bool           `json:"is_private"`
	ExternalURL  string         `json:"external_url"`
	Engagement   EngagementData `json:"engagement"`
	Posts        []Post         `json:"posts"`
	FetchedAt    time.Time      `json:"fetched_at"`
	Strategy     string         `json:"strategy"`
}

// Post is a single piece of content fetched from a profile. ExternalID is the
// platform-native identifier and doubles as the checkpoint cursor.
type Post struct {
	ExternalID   string    `json:"external_id"`
	ProfileID    string    `json:"profile_id,omitempty"`
	URL          string    `json:"url"`
	Caption      string    `json:"caption"`
	Hashtags     []string  `json:"hashtags,omitempty"`
	Mentions     []string  `json:"mentions,omitempty"`
	MediaType    string    `json:"media_type"`
	MediaURL     string    `json:"media_url"`
	ThumbURL     string    `json:"thumb_url"`
	LikeCount    int       `json:"like_count"`
	CommentCount int       `json:"comment_count"`
	ShareCount   int       `json:"share_count"`
	ViewCount    int       `json:"view_count"`
	IsVideo      bool      `json:"is_video"`
	VideoLength  int       `json:"video_length,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	CaptureTime  time.Time `json:"capture_time"`
}

// TrendSignal is a lightweight per-hashtag counter recorded as a byproduct of
// persisting fetched posts.
type TrendSignal struct {
	JobID     string    `json:"job_id"`
	Platform  string    `json:"platform"`
	Hashtag   string    `json:"hashtag"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ScrapeCheckpoint bounds incremental fetches: LastPostID is the external id
// of the most recently seen post for a (job, platform, handle) profile.
type ScrapeCheckpoint struct {
	JobID      string    `json:"job_id"`
	Platform   string    `json:"platform"`
	Handle     string    `json:"handle"`
	LastPostID string    `json:"last_post_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScoredCandidate is the scoring pipeline's input to the materializer.
type ScoredCandidate struct {
	CanonicalName   string         `json:"canonical_name"`
	Platform        string         `json:"platform"`
	Handle          string         `json:"handle"`
	Score           float64        `json:"score"`
	Breakdown       ScoreBreakdown `json:"breakdown"`
	Evidence        []Evidence     `json:"evidence,omitempty"`
	Sources         []string       `json:"sources,omitempty"`
	CompetitorType  CompetitorType `json:"competitor_type,omitempty"`
	DiscoveryReason string         `json:"discovery_reason,omitempty"`
	Unavailable     bool           `json:"unavailable"`
	UnavailableWhy  string         `json:"unavailable_why,omitempty"`
}
