package conversation

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/annotd/internal/apperr"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func sampleConversation(t *testing.T) Conversation {
	t.Helper()
	label, err := NewAnnotation("conv-ann", "Outcome", KindMultipleChoice, []string{"resolved", "open"})
	if err != nil {
		t.Fatal(err)
	}
	msgAnn, err := NewAnnotation("msg-ann", "Accuracy", KindScaler, []string{"1", "5"})
	if err != nil {
		t.Fatal(err)
	}
	return Conversation{
		ID:          "c1",
		Participant: "Alice",
		Messages: []Message{
			{ID: "m1", Role: RoleUser, Content: "How do I reset my password?"},
			{ID: "m2", Role: RoleAssistant, Content: "Use the reset link.", Annotations: []Annotation{msgAnn}},
		},
		Annotations: []Annotation{label},
	}
}

func TestAssignIDs_FillsOnlyMissing(t *testing.T) {
	c := Conversation{
		Messages: []Message{
			{ID: "keep", Role: RoleUser},
			{Role: RoleAssistant, Comments: []Comment{{Content: "hi"}}},
		},
	}
	c.AssignIDs(seqIDs())

	if c.ID == "" {
		t.Error("conversation id not assigned")
	}
	if c.Messages[0].ID != "keep" {
		t.Errorf("existing message id overwritten: %q", c.Messages[0].ID)
	}
	if c.Messages[1].ID == "" || c.Messages[1].Comments[0].ID == "" {
		t.Errorf("ids missing after AssignIDs: %+v", c.Messages[1])
	}
}

func TestValidate(t *testing.T) {
	c := sampleConversation(t)
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c.Messages[1].ID = "m1"
	if err := c.Validate(); !apperr.IsValidation(err) {
		t.Errorf("duplicate message ids: err = %v, want ValidationError", err)
	}

	c = sampleConversation(t)
	c.Messages[0].Role = "system"
	if err := c.Validate(); !apperr.IsValidation(err) {
		t.Errorf("unknown role: err = %v, want ValidationError", err)
	}
}

func TestPatchAnnotation_ByMessageID(t *testing.T) {
	c := sampleConversation(t)

	answers := []string{"4"}
	if err := c.PatchAnnotation("m2", "msg-ann", AnnotationPatch{Answers: &answers}); err != nil {
		t.Fatalf("PatchAnnotation: %v", err)
	}
	a, err := c.Annotation("m2", "msg-ann")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Completed() || a.Answers[0] != "4" {
		t.Errorf("answers = %v", a.Answers)
	}

	// Reordering messages does not change what the id addresses.
	c.Messages[0], c.Messages[1] = c.Messages[1], c.Messages[0]
	a, err = c.Annotation("m2", "msg-ann")
	if err != nil || a.Answers[0] != "4" {
		t.Errorf("lookup after reorder: %v, %v", a, err)
	}
}

func TestPatchAnnotation_NotFound(t *testing.T) {
	c := sampleConversation(t)
	answers := []string{"open"}

	err := c.PatchAnnotation("", "missing", AnnotationPatch{Answers: &answers})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing annotation: err = %v, want ErrNotFound", err)
	}
	err = c.PatchAnnotation("nope", "msg-ann", AnnotationPatch{Answers: &answers})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing message: err = %v, want ErrNotFound", err)
	}
}

func TestAddRemoveAnnotation(t *testing.T) {
	c := sampleConversation(t)
	extra, err := NewAnnotation("extra", "Notes", KindTextbox, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.AddAnnotation("", extra); err != nil {
		t.Fatalf("AddAnnotation: %v", err)
	}
	if err := c.AddAnnotation("", extra); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second add: err = %v, want ErrConflict", err)
	}
	if len(c.Annotations) != 2 {
		t.Fatalf("len(Annotations) = %d, want 2", len(c.Annotations))
	}

	if err := c.RemoveAnnotation("", "extra"); err != nil {
		t.Fatalf("RemoveAnnotation: %v", err)
	}
	if err := c.RemoveAnnotation("", "extra"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second remove: err = %v, want ErrNotFound", err)
	}
}

func TestComments(t *testing.T) {
	c := sampleConversation(t)
	cm := Comment{ID: "cm1", Author: "bob", Timestamp: time.Now(), Content: "ambiguous"}

	if err := c.AddComment("m1", cm); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if err := c.AddComment("m1", Comment{ID: "cm2"}); !apperr.IsValidation(err) {
		t.Errorf("empty comment: err = %v, want ValidationError", err)
	}
	if err := c.DeleteComment("m1", "cm1"); err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	if err := c.DeleteComment("m1", "cm1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestMatches(t *testing.T) {
	c := sampleConversation(t)
	c.FirstInteraction = Moment{Text: "2024-03-01 09:00"}

	for _, q := range []string{"", "alice", "RESET LINK", "2024-03"} {
		if !c.Matches(q) {
			t.Errorf("Matches(%q) = false, want true", q)
		}
	}
	if c.Matches("invoice") {
		t.Error(`Matches("invoice") = true, want false`)
	}
}

func TestParseImport_LegacyFields(t *testing.T) {
	input := `[
	  {
	    "_id": {"$oid": "65f0c0ffee"},
	    "Person": "Bob",
	    "stime": {"text": "Mon 9:00", "timestamp": 1700000000000},
	    "last_interact": {"text": "Mon 9:05", "timestamp": 1700000300000},
	    "messages": [
	      {"role": "User", "content": "hello",
	       "comments": [{"_id": "k1", "name": "ann", "timestamp": 1700000000000, "content": "greeting"}]},
	      {"role": "assistant", "content": "hi there"}
	    ],
	    "annotations": [
	      {"_id": "a1", "title": "Sentiment", "type": "multiple choice", "options": ["pos", "neg"],
	       "answers": [{"name": "ann", "content": ["pos"]}]}
	    ]
	  }
	]`

	convs, err := ParseImport(strings.NewReader(input), seqIDs())
	if err != nil {
		t.Fatalf("ParseImport: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("len = %d, want 1", len(convs))
	}
	c := convs[0]
	if c.ID != "65f0c0ffee" {
		t.Errorf("ID = %q", c.ID)
	}
	if c.Participant != "Bob" || c.FirstInteraction.Text != "Mon 9:00" || c.LastInteraction.Text != "Mon 9:05" {
		t.Errorf("header fields = %+v", c)
	}
	if c.Messages[0].Role != RoleUser || c.Messages[0].ID == "" {
		t.Errorf("message 0 = %+v", c.Messages[0])
	}
	if got := c.Messages[0].Comments[0]; got.Author != "ann" || got.Timestamp.IsZero() {
		t.Errorf("comment = %+v", got)
	}
	// Per-user answer objects are not a plain string list and are dropped.
	if c.Annotations[0].Completed() {
		t.Errorf("legacy answer objects should not import as answers: %v", c.Annotations[0].Answers)
	}
}

func TestParseImport_RejectsBadRole(t *testing.T) {
	_, err := ParseImport(strings.NewReader(`[{"messages":[{"role":"robot","content":"x"}]}]`), seqIDs())
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}
