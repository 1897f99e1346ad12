package domain

// DesignStatus is the lifecycle state of a design.
type DesignStatus string

const (
	DesignDraft     DesignStatus = "draft"
	DesignPublished DesignStatus = "published"
	DesignLocked    DesignStatus = "locked"
)

func (s DesignStatus) Valid() bool {
	switch s {
	case DesignDraft, DesignPublished, DesignLocked:
		return true
	}
	return false
}

// ReviewState is the design-level peer-review progress indicator.
type ReviewState string

const (
	ReviewStateUnreviewed  ReviewState = "unreviewed"
	ReviewStateUnderReview ReviewState = "under_review"
	ReviewStateReviewed    ReviewState = "reviewed"
	ReviewStateFlagged     ReviewState = "flagged"
)

// Difficulty is the self-declared difficulty of running a design.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
	DifficultyExpert       Difficulty = "expert"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced, DifficultyExpert:
		return true
	}
	return false
}

// ForkType classifies why a design was forked.
type ForkType string

const (
	ForkAdaptation  ForkType = "adaptation"
	ForkExtension   ForkType = "extension"
	ForkReplication ForkType = "replication"
	ForkOther       ForkType = "other"
)

func (t ForkType) Valid() bool {
	switch t {
	case ForkAdaptation, ForkExtension, ForkReplication, ForkOther:
		return true
	}
	return false
}

// ExecutionStatus is the lifecycle state of one run of a design.
type ExecutionStatus string

const (
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// ReadinessSignal is a reviewer's overall readiness verdict. Empty means the
// reviewer declined to signal.
type ReadinessSignal string

const (
	ReadinessReady         ReadinessSignal = "ready"
	ReadinessAlmostReady   ReadinessSignal = "almost_ready"
	ReadinessNeedsRevision ReadinessSignal = "needs_revision"
)

func (s ReadinessSignal) Valid() bool {
	switch s {
	case "", ReadinessReady, ReadinessAlmostReady, ReadinessNeedsRevision:
		return true
	}
	return false
}

// ReviewRecordStatus is the lifecycle state of a single review record.
type ReviewRecordStatus string

const (
	ReviewActive     ReviewRecordStatus = "active"
	ReviewResolved   ReviewRecordStatus = "resolved"
	ReviewSuperseded ReviewRecordStatus = "superseded"
	ReviewLocked     ReviewRecordStatus = "locked"
)

// SuggestionStatus is the lifecycle state of a field suggestion.
type SuggestionStatus string

const (
	SuggestionOpen       SuggestionStatus = "open"
	SuggestionAccepted   SuggestionStatus = "accepted"
	SuggestionClosed     SuggestionStatus = "closed"
	SuggestionSuperseded SuggestionStatus = "superseded"
	SuggestionLocked     SuggestionStatus = "locked"
)

// SuggestionType classifies what a suggestion is about.
type SuggestionType string

const (
	SuggestionMethodology   SuggestionType = "methodology"
	SuggestionClarity       SuggestionType = "clarity"
	SuggestionSafetyConcern SuggestionType = "safety_concern"
	SuggestionOther         SuggestionType = "other"
)

func (t SuggestionType) Valid() bool {
	switch t {
	case SuggestionMethodology, SuggestionClarity, SuggestionSafetyConcern, SuggestionOther:
		return true
	}
	return false
}

// EventType enumerates the scoring-relevant ledger events.
type EventType string

const (
	EventDesignPublished          EventType = "DESIGN_PUBLISHED"
	EventDesignForked             EventType = "DESIGN_FORKED"
	EventReviewSubmitted          EventType = "DESIGN_REVIEW_SUBMITTED"
	EventDesignEndorsed           EventType = "DESIGN_ENDORSED"
	EventSuggestionAccepted       EventType = "SUGGESTION_ACCEPTED"
	EventSafetySuggestionAccepted EventType = "SAFETY_SUGGESTION_ACCEPTED"
)

// ResearchQuestion is one question the design sets out to answer. IDs are
// assigned at creation time and stay stable across edits.
type ResearchQuestion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Variables groups the declared experiment variables.
type Variables struct {
	Independent []string `json:"independent,omitempty"`
	Dependent   []string `json:"dependent,omitempty"`
	Controlled  []string `json:"controlled,omitempty"`
}

// ForkMetadata records a design's lineage. Present only on forked designs.
type ForkMetadata struct {
	ParentDesignID string   `json:"parent_design_id"`
	ForkGeneration int      `json:"fork_generation"`
	ForkType       ForkType `json:"fork_type" enum:"adaptation,extension,replication,other"`
	ForkRationale  string   `json:"fork_rationale"`
}

// Content is the author-editable body of a design. The methodology subset
// (hypothesis, steps, materials, research questions, variables) freezes once
// the design has at least one execution.
type Content struct {
	Title             string             `json:"title"`
	Summary           string             `json:"summary,omitempty"`
	DisciplineTags    []string           `json:"discipline_tags"`
	Difficulty        Difficulty         `json:"difficulty" enum:"beginner,intermediate,advanced,expert"`
	ExpectedDuration  string             `json:"expected_duration,omitempty"`
	Hypothesis        string             `json:"hypothesis,omitempty"`
	Steps             []string           `json:"steps"`
	Materials         []string           `json:"materials"`
	ResearchQuestions []ResearchQuestion `json:"research_questions"`
	Variables         Variables          `json:"variables"`
}

// Design is the aggregate root.
type Design struct {
	ID string `json:"id"`
	Content
	AuthorIDs          []string      `json:"author_ids"`
	Status             DesignStatus  `json:"status" enum:"draft,published,locked"`
	IsPublic           bool          `json:"is_public"`
	Version            int           `json:"version"`
	PublishedVersion   int           `json:"published_version"`
	HasDraftChanges    bool          `json:"has_draft_changes"`
	ExecutionCount     int           `json:"execution_count"`
	ReviewCount        int           `json:"review_count"`
	ReviewState        ReviewState   `json:"review_status" enum:"unreviewed,under_review,reviewed,flagged"`
	DerivedDesignCount int           `json:"derived_design_count"`
	Fork               *ForkMetadata `json:"fork_metadata,omitempty"`
	CreatedAt          string        `json:"created_at" format:"date-time"`
	UpdatedAt          string        `json:"updated_at" format:"date-time"`
}

// IsAuthor reports whether uid appears in the design's author list.
func (d Design) IsAuthor(uid string) bool {
	for _, id := range d.AuthorIDs {
		if id == uid {
			return true
		}
	}
	return false
}

// Draft is the shadow sub-record holding unpublished edits to a design that
// has been published at least once.
type Draft struct {
	DesignID string `json:"design_id"`
	Content
	PendingChangelog string `json:"pending_changelog,omitempty"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

// VersionSnapshot is the immutable capture of a design's public content at
// one publish event.
type VersionSnapshot struct {
	DesignID      string `json:"design_id"`
	VersionNumber int    `json:"version_number"`
	PublishedAt   string `json:"published_at" format:"date-time"`
	PublishedBy   string `json:"published_by"`
	Changelog     string `json:"changelog,omitempty"`
	Data          Design `json:"data"`
}

// Execution is one recorded run of a design's methodology.
type Execution struct {
	ID                 string          `json:"id"`
	DesignID           string          `json:"design_id"`
	DesignVersion      int             `json:"design_version"`
	DesignTitle        string          `json:"design_title"`
	ExperimenterUID    string          `json:"experimenter_uid"`
	CoExperimenterUIDs []string        `json:"co_experimenter_uids,omitempty"`
	Status             ExecutionStatus `json:"status" enum:"in_progress,completed,cancelled"`
	StartDate          string          `json:"start_date,omitempty"`
	DeviationNotes     string          `json:"deviation_notes,omitempty"`
	StartedAt          string          `json:"started_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
}

// Review is one user's peer review of one published version of a design.
// Resubmission for the same version updates the record in place.
type Review struct {
	ID             string             `json:"id"`
	DesignID       string             `json:"design_id"`
	VersionNumber  int                `json:"version_number"`
	ReviewerID     string             `json:"reviewer_id"`
	GeneralComment string             `json:"general_comment,omitempty"`
	Readiness      ReadinessSignal    `json:"readiness_signal,omitempty" enum:"ready,almost_ready,needs_revision"`
	Endorsement    bool               `json:"endorsement"`
	Status         ReviewRecordStatus `json:"status" enum:"active,resolved,superseded,locked"`
	Suggestions    []FieldSuggestion  `json:"suggestions,omitempty"`
	CreatedAt      string             `json:"created_at" format:"date-time"`
	UpdatedAt      string             `json:"updated_at" format:"date-time"`
}

// FieldSuggestion proposes a change to an existing field (FieldRef) or a new
// field (NewFieldName); exactly one of the two is set.
type FieldSuggestion struct {
	ID           string           `json:"id"`
	ReviewID     string           `json:"review_id"`
	DesignID     string           `json:"design_id"`
	SuggesterID  string           `json:"suggester_id"`
	Type         SuggestionType   `json:"type" enum:"methodology,clarity,safety_concern,other"`
	FieldRef     string           `json:"field_ref,omitempty"`
	NewFieldName string           `json:"new_field_name,omitempty"`
	ProposedText string           `json:"proposed_text,omitempty"`
	Comment      string           `json:"comment,omitempty"`
	Status       SuggestionStatus `json:"status" enum:"open,accepted,closed,superseded,locked"`
	OwnerReply   string           `json:"owner_reply,omitempty"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
	UpdatedAt    string           `json:"updated_at" format:"date-time"`
}

// LedgerEntry is one immutable row in the contribution ledger.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	TS        string    `json:"ts" format:"date-time"`
	UID       string    `json:"uid"`
	EventType EventType `json:"event_type"`
	Context   string    `json:"context_json"`
}
