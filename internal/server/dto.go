package server

import (
	"protolab/internal/domain"
	"protolab/internal/engine"
)

// Request payloads

type VariablesRequest struct {
	Independent []string `json:"independent,omitempty"`
	Dependent   []string `json:"dependent,omitempty"`
	Controlled  []string `json:"controlled,omitempty"`
}

type ResearchQuestionRequest struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

type CreateDesignRequest struct {
	Title             string                    `json:"title" maxLength:"200"`
	Summary           string                    `json:"summary,omitempty"`
	DisciplineTags    []string                  `json:"discipline_tags" minItems:"1" maxItems:"5"`
	Difficulty        string                    `json:"difficulty" enum:"beginner,intermediate,advanced,expert"`
	ExpectedDuration  string                    `json:"expected_duration,omitempty"`
	Hypothesis        string                    `json:"hypothesis,omitempty"`
	Steps             []string                  `json:"steps" minItems:"1"`
	Materials         []string                  `json:"materials" minItems:"1"`
	ResearchQuestions []ResearchQuestionRequest `json:"research_questions" minItems:"1"`
	Variables         *VariablesRequest         `json:"variables,omitempty"`
}

type UpdateDesignRequest struct {
	Title             *string                    `json:"title,omitempty" maxLength:"200"`
	Summary           *string                    `json:"summary,omitempty"`
	DisciplineTags    *[]string                  `json:"discipline_tags,omitempty"`
	Difficulty        *string                    `json:"difficulty,omitempty" enum:"beginner,intermediate,advanced,expert"`
	ExpectedDuration  *string                    `json:"expected_duration,omitempty"`
	Hypothesis        *string                    `json:"hypothesis,omitempty"`
	Steps             *[]string                  `json:"steps,omitempty"`
	Materials         *[]string                  `json:"materials,omitempty"`
	ResearchQuestions *[]ResearchQuestionRequest `json:"research_questions,omitempty"`
	Variables         *VariablesRequest          `json:"variables,omitempty"`
	PendingChangelog  *string                    `json:"pending_changelog,omitempty"`
}

type PublishDesignRequest struct {
	Changelog string `json:"changelog,omitempty"`
}

type ForkDesignRequest struct {
	ForkType      string `json:"fork_type" enum:"adaptation,extension,replication,other"`
	ForkRationale string `json:"fork_rationale"`
}

type StartExecutionRequest struct {
	CoExperimenterUIDs []string `json:"co_experimenter_uids,omitempty"`
	StartDate          string   `json:"start_date,omitempty"`
}

type UpdateExecutionRequest struct {
	CoExperimenterUIDs *[]string `json:"co_experimenter_uids,omitempty"`
	StartDate          *string   `json:"start_date,omitempty"`
	DeviationNotes     *string   `json:"deviation_notes,omitempty"`
}

type SuggestionRequest struct {
	Type         string `json:"type" enum:"methodology,clarity,safety_concern,other"`
	FieldRef     string `json:"field_ref,omitempty"`
	NewFieldName string `json:"new_field_name,omitempty"`
	ProposedText string `json:"proposed_text,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

type SubmitReviewRequest struct {
	GeneralComment  string              `json:"general_comment,omitempty"`
	ReadinessSignal string              `json:"readiness_signal,omitempty" enum:"ready,almost_ready,needs_revision"`
	Endorsement     bool                `json:"endorsement,omitempty"`
	Suggestions     []SuggestionRequest `json:"suggestions,omitempty"`
}

type ReplySuggestionRequest struct {
	Reply string `json:"reply"`
}

// Path params

type designPath struct {
	DesignID string `path:"design_id"`
}

type executionPath struct {
	ExecutionID string `path:"execution_id"`
}

type suggestionPath struct {
	SuggestionID string `path:"suggestion_id"`
}

// Response payloads

type designBody struct {
	Body domain.Design `json:"body"`
}

type versionBody struct {
	Body domain.VersionSnapshot `json:"body"`
}

type executionBody struct {
	Body domain.Execution `json:"body"`
}

type reviewBody struct {
	Body domain.Review `json:"body"`
}

type suggestionBody struct {
	Body domain.FieldSuggestion `json:"body"`
}

type paginatedDesigns struct {
	Items      []domain.Design `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type versionList struct {
	Items []domain.VersionSnapshot `json:"items"`
}

type executionList struct {
	Items []domain.Execution `json:"items"`
}

type reviewList struct {
	Items []domain.Review `json:"items"`
}

// Converters

func contentFromCreate(req CreateDesignRequest) domain.Content {
	c := domain.Content{
		Title:            req.Title,
		Summary:          req.Summary,
		DisciplineTags:   req.DisciplineTags,
		Difficulty:       domain.Difficulty(req.Difficulty),
		ExpectedDuration: req.ExpectedDuration,
		Hypothesis:       req.Hypothesis,
		Steps:            req.Steps,
		Materials:        req.Materials,
	}
	for _, q := range req.ResearchQuestions {
		c.ResearchQuestions = append(c.ResearchQuestions, domain.ResearchQuestion{ID: q.ID, Text: q.Text})
	}
	if req.Variables != nil {
		c.Variables = domain.Variables(*req.Variables)
	}
	return c
}

func patchFromUpdate(req UpdateDesignRequest) engine.ContentPatch {
	p := engine.ContentPatch{
		Title:            req.Title,
		Summary:          req.Summary,
		DisciplineTags:   req.DisciplineTags,
		ExpectedDuration: req.ExpectedDuration,
		Hypothesis:       req.Hypothesis,
		Steps:            req.Steps,
		Materials:        req.Materials,
	}
	if req.Difficulty != nil {
		d := domain.Difficulty(*req.Difficulty)
		p.Difficulty = &d
	}
	if req.ResearchQuestions != nil {
		questions := make([]domain.ResearchQuestion, 0, len(*req.ResearchQuestions))
		for _, q := range *req.ResearchQuestions {
			questions = append(questions, domain.ResearchQuestion{ID: q.ID, Text: q.Text})
		}
		p.ResearchQuestions = &questions
	}
	if req.Variables != nil {
		v := domain.Variables(*req.Variables)
		p.Variables = &v
	}
	return p
}

func suggestionInputs(reqs []SuggestionRequest) []engine.SuggestionInput {
	var res []engine.SuggestionInput
	for _, s := range reqs {
		res = append(res, engine.SuggestionInput{
			Type:         domain.SuggestionType(s.Type),
			FieldRef:     s.FieldRef,
			NewFieldName: s.NewFieldName,
			ProposedText: s.ProposedText,
			Comment:      s.Comment,
		})
	}
	return res
}
