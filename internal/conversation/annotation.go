package conversation

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/kalambet/annotd/internal/apperr"
)

// Kind names an annotation variant on the wire.
type Kind string

const (
	KindMultipleChoice  Kind = "multiple choice"
	KindMultipleAnswers Kind = "multiple answers"
	KindTextbox         Kind = "textbox"
	KindScaler          Kind = "scaler"
)

// Spec is the kind-specific part of an annotation. Each implementation only
// carries the fields valid for its kind and validates answers against them.
type Spec interface {
	Kind() Kind
	// Options returns the wire form of the kind's options.
	Options() []string
	// Validate checks a non-empty answer list.
	Validate(answers []string) error
}

// MultipleChoice accepts at most one of Options.
type MultipleChoice struct {
	Choices []string
}

func (MultipleChoice) Kind() Kind            { return KindMultipleChoice }
func (m MultipleChoice) Options() []string { return slices.Clone(m.Choices) }

func (m MultipleChoice) Validate(answers []string) error {
	if len(answers) > 1 {
		return apperr.Invalid("answers", "multiple choice accepts a single answer, got %d", len(answers))
	}
	if !slices.Contains(m.Choices, answers[0]) {
		return apperr.Invalid("answers", "%q is not one of the options", answers[0])
	}
	return nil
}

// MultipleAnswers accepts any subset of Options.
type MultipleAnswers struct {
	Choices []string
}

func (MultipleAnswers) Kind() Kind            { return KindMultipleAnswers }
func (m MultipleAnswers) Options() []string { return slices.Clone(m.Choices) }

func (m MultipleAnswers) Validate(answers []string) error {
	seen := make(map[string]bool, len(answers))
	for _, a := range answers {
		if !slices.Contains(m.Choices, a) {
			return apperr.Invalid("answers", "%q is not one of the options", a)
		}
		if seen[a] {
			return apperr.Invalid("answers", "%q selected twice", a)
		}
		seen[a] = true
	}
	return nil
}

// Textbox accepts free text.
type Textbox struct{}

func (Textbox) Kind() Kind        { return KindTextbox }
func (Textbox) Options() []string { return nil }

func (Textbox) Validate(answers []string) error {
	if len(answers) > 1 {
		return apperr.Invalid("answers", "textbox accepts a single answer, got %d", len(answers))
	}
	return nil
}

// Scaler accepts one number in [Min, Max] on a Step grid starting at Min.
type Scaler struct {
	Min  float64
	Max  float64
	Step float64
}

func (Scaler) Kind() Kind { return KindScaler }

func (s Scaler) Options() []string {
	return []string{formatFloat(s.Min), formatFloat(s.Max), formatFloat(s.Step)}
}

func (s Scaler) Validate(answers []string) error {
	if len(answers) != 1 {
		return apperr.Invalid("answers", "scaler accepts exactly one value, got %d", len(answers))
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(answers[0]), 64)
	if err != nil {
		return apperr.Invalid("answers", "%q is not a number", answers[0])
	}
	if v < s.Min || v > s.Max {
		return apperr.Invalid("answers", "%v is outside [%v, %v]", v, s.Min, s.Max)
	}
	steps := (v - s.Min) / s.Step
	if math.Abs(steps-math.Round(steps)) > 1e-9 {
		return apperr.Invalid("answers", "%v is not on a step of %v from %v", v, s.Step, s.Min)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// NewSpec builds the variant for kind from its wire options.
func NewSpec(kind Kind, options []string) (Spec, error) {
	switch kind {
	case KindMultipleChoice, KindMultipleAnswers:
		if len(options) == 0 {
			return nil, apperr.Invalid("options", "%s requires at least one option", kind)
		}
		seen := make(map[string]bool, len(options))
		for _, o := range options {
			if strings.TrimSpace(o) == "" {
				return nil, apperr.Invalid("options", "empty option")
			}
			if seen[o] {
				return nil, apperr.Invalid("options", "duplicate option %q", o)
			}
			seen[o] = true
		}
		if kind == KindMultipleChoice {
			return MultipleChoice{Choices: slices.Clone(options)}, nil
		}
		return MultipleAnswers{Choices: slices.Clone(options)}, nil
	case KindTextbox:
		return Textbox{}, nil
	case KindScaler:
		return newScaler(options)
	default:
		return nil, apperr.Invalid("type", "unknown annotation type %q", kind)
	}
}

// newScaler parses [min, max] or [min, max, step]; step defaults to 1.
func newScaler(options []string) (Scaler, error) {
	if len(options) != 2 && len(options) != 3 {
		return Scaler{}, apperr.Invalid("options", "scaler needs [min, max] or [min, max, step], got %d values", len(options))
	}
	vals := make([]float64, 3)
	vals[2] = 1
	for i, o := range options {
		f, err := strconv.ParseFloat(strings.TrimSpace(o), 64)
		if err != nil {
			return Scaler{}, apperr.Invalid("options", "%q is not a number", o)
		}
		vals[i] = f
	}
	s := Scaler{Min: vals[0], Max: vals[1], Step: vals[2]}
	if s.Min >= s.Max {
		return Scaler{}, apperr.Invalid("options", "scaler min %v must be below max %v", s.Min, s.Max)
	}
	if s.Step <= 0 {
		return Scaler{}, apperr.Invalid("options", "scaler step must be positive")
	}
	return s, nil
}

// Annotation is one question attached to a conversation or a message.
// A nil Answers means the annotation has never been answered.
type Annotation struct {
	ID      string
	Title   string
	Spec    Spec
	Answers []string
}

// NewAnnotation validates and builds an unanswered annotation.
func NewAnnotation(id, title string, kind Kind, options []string) (Annotation, error) {
	if strings.TrimSpace(title) == "" {
		return Annotation{}, apperr.Invalid("title", "required")
	}
	spec, err := NewSpec(kind, options)
	if err != nil {
		return Annotation{}, err
	}
	return Annotation{ID: id, Title: title, Spec: spec}, nil
}

// Completed reports whether the annotation carries a non-empty answer list.
// An empty but non-nil list counts as unanswered.
func (a Annotation) Completed() bool {
	return len(a.Answers) > 0
}

// SetAnswers validates answers against the annotation's kind and stores a copy.
// An empty list clears the answer.
func (a *Annotation) SetAnswers(answers []string) error {
	if len(answers) > 0 {
		if err := a.Spec.Validate(answers); err != nil {
			return err
		}
	}
	a.Answers = slices.Clone(answers)
	return nil
}

// Record is the flat storage and wire form of an Annotation.
type Record struct {
	ID      string   `json:"id" bson:"_id"`
	Title   string   `json:"title" bson:"title"`
	Type    Kind     `json:"type" bson:"type"`
	Options []string `json:"options,omitempty" bson:"options,omitempty"`
	Answers []string `json:"answers" bson:"answers"`
}

// ToRecord flattens a.
func (a Annotation) ToRecord() Record {
	return Record{
		ID:      a.ID,
		Title:   a.Title,
		Type:    a.Spec.Kind(),
		Options: a.Spec.Options(),
		Answers: slices.Clone(a.Answers),
	}
}

// FromRecord rebuilds and validates an Annotation.
func FromRecord(r Record) (Annotation, error) {
	spec, err := NewSpec(r.Type, r.Options)
	if err != nil {
		return Annotation{}, fmt.Errorf("annotation %s: %w", r.ID, err)
	}
	return Annotation{ID: r.ID, Title: r.Title, Spec: spec, Answers: slices.Clone(r.Answers)}, nil
}

func (a Annotation) MarshalJSON() ([]byte, error) {
	if a.Spec == nil {
		return nil, fmt.Errorf("annotation %s has no type", a.ID)
	}
	return json.Marshal(a.ToRecord())
}

func (a *Annotation) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	ann, err := FromRecord(r)
	if err != nil {
		return err
	}
	*a = ann
	return nil
}

// AnnotationPatch sets sub-fields of one annotation. Nil fields are left alone.
type AnnotationPatch struct {
	Title   *string   `json:"title,omitempty"`
	Options []string  `json:"options,omitempty"`
	Answers *[]string `json:"answers,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p AnnotationPatch) Empty() bool {
	return p.Title == nil && p.Options == nil && p.Answers == nil
}

// Apply validates the patch against a and updates it in place. a is left
// untouched when validation fails.
func (p AnnotationPatch) Apply(a *Annotation) error {
	next := *a
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return apperr.Invalid("title", "must not be empty")
		}
		next.Title = *p.Title
	}
	if p.Options != nil {
		spec, err := NewSpec(a.Spec.Kind(), p.Options)
		if err != nil {
			return err
		}
		next.Spec = spec
	}
	if p.Answers != nil {
		next.Answers = slices.Clone(*p.Answers)
	}
	if len(next.Answers) > 0 {
		if err := next.Spec.Validate(next.Answers); err != nil {
			return err
		}
	}
	*a = next
	return nil
}
