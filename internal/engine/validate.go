package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"protolab/internal/domain"
)

const (
	maxTitleLen       = 200
	maxDisciplineTags = 5
)

// validateContent applies the creation rules and reports the first violated
// one. Used on create, on first publish, and on draft promotion.
func validateContent(c domain.Content) error {
	if strings.TrimSpace(c.Title) == "" {
		return validation("title is required")
	}
	if len(c.Title) > maxTitleLen {
		return validation(fmt.Sprintf("title must be %d characters or fewer", maxTitleLen))
	}
	if len(c.DisciplineTags) == 0 {
		return validation("at least one discipline tag is required")
	}
	if len(c.DisciplineTags) > maxDisciplineTags {
		return validation(fmt.Sprintf("at most %d discipline tags are allowed", maxDisciplineTags))
	}
	if !c.Difficulty.Valid() {
		return validation("invalid difficulty level")
	}
	if len(c.Steps) == 0 {
		return validation("at least one step is required")
	}
	if len(c.Materials) == 0 {
		return validation("at least one material is required")
	}
	if len(c.ResearchQuestions) == 0 {
		return validation("at least one research question is required")
	}
	for i, q := range c.ResearchQuestions {
		if strings.TrimSpace(q.Text) == "" {
			return validation(fmt.Sprintf("research question %d has no text", i+1))
		}
	}
	return nil
}

// assignQuestionIDs gives research questions stable identifiers when absent.
func assignQuestionIDs(questions []domain.ResearchQuestion) {
	for i := range questions {
		if questions[i].ID == "" {
			questions[i].ID = uuid.New().String()
		}
	}
}

// ContentPatch is a partial edit to a design's body. Nil means "leave
// unchanged".
type ContentPatch struct {
	Title             *string
	Summary           *string
	DisciplineTags    *[]string
	Difficulty        *domain.Difficulty
	ExpectedDuration  *string
	Hypothesis        *string
	Steps             *[]string
	Materials         *[]string
	ResearchQuestions *[]domain.ResearchQuestion
	Variables         *domain.Variables
}

// MethodologyFields names the locked fields this patch touches.
func (p ContentPatch) MethodologyFields() []string {
	var fields []string
	if p.Hypothesis != nil {
		fields = append(fields, "hypothesis")
	}
	if p.Steps != nil {
		fields = append(fields, "steps")
	}
	if p.Materials != nil {
		fields = append(fields, "materials")
	}
	if p.ResearchQuestions != nil {
		fields = append(fields, "research_questions")
	}
	if p.Variables != nil {
		fields = append(fields, "variables")
	}
	return fields
}

// Empty reports whether the patch changes nothing.
func (p ContentPatch) Empty() bool {
	return p.Title == nil && p.Summary == nil && p.DisciplineTags == nil &&
		p.Difficulty == nil && p.ExpectedDuration == nil && len(p.MethodologyFields()) == 0
}

// validate re-checks the creation rules for the fields present in the patch.
func (p ContentPatch) validate() error {
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return validation("title is required")
		}
		if len(*p.Title) > maxTitleLen {
			return validation(fmt.Sprintf("title must be %d characters or fewer", maxTitleLen))
		}
	}
	if p.DisciplineTags != nil {
		if len(*p.DisciplineTags) == 0 {
			return validation("at least one discipline tag is required")
		}
		if len(*p.DisciplineTags) > maxDisciplineTags {
			return validation(fmt.Sprintf("at most %d discipline tags are allowed", maxDisciplineTags))
		}
	}
	if p.Difficulty != nil && !p.Difficulty.Valid() {
		return validation("invalid difficulty level")
	}
	return nil
}

// apply overlays the patch on content, assigning ids to any new research
// questions.
func (p ContentPatch) apply(c *domain.Content) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Summary != nil {
		c.Summary = *p.Summary
	}
	if p.DisciplineTags != nil {
		c.DisciplineTags = *p.DisciplineTags
	}
	if p.Difficulty != nil {
		c.Difficulty = *p.Difficulty
	}
	if p.ExpectedDuration != nil {
		c.ExpectedDuration = *p.ExpectedDuration
	}
	if p.Hypothesis != nil {
		c.Hypothesis = *p.Hypothesis
	}
	if p.Steps != nil {
		c.Steps = *p.Steps
	}
	if p.Materials != nil {
		c.Materials = *p.Materials
	}
	if p.ResearchQuestions != nil {
		questions := *p.ResearchQuestions
		assignQuestionIDs(questions)
		c.ResearchQuestions = questions
	}
	if p.Variables != nil {
		c.Variables = *p.Variables
	}
}
