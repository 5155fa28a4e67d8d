package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/conversation"
)

// Template describes an annotation to attach to every conversation. When
// Role is empty the annotation goes on the conversation itself; otherwise
// every message with that role receives a copy.
type Template struct {
	ID      string            `json:"id,omitempty"`
	Title   string            `json:"title"`
	Type    conversation.Kind `json:"type"`
	Options []string          `json:"options,omitempty"`
	Role    conversation.Role `json:"role,omitempty"`
}

// BroadcastResult counts how many annotation elements a broadcast touched.
type BroadcastResult struct {
	Conversations int `json:"conversations"`
	Annotations   int `json:"annotations"`
	// Reset counts annotations whose answers were cleared because they no
	// longer fit new options.
	Reset int `json:"reset,omitempty"`
}

// BroadcastAdd attaches t to every conversation in s. All copies share one
// annotation id so they can be updated or removed together. Targets that
// already carry the id are skipped.
func BroadcastAdd(ctx context.Context, s Store, t Template, newID func() string) (BroadcastResult, error) {
	if t.Role != "" && !t.Role.Valid() {
		return BroadcastResult{}, apperr.Invalid("role", "unknown role %q", t.Role)
	}
	if t.ID == "" {
		t.ID = newID()
	}
	a, err := conversation.NewAnnotation(t.ID, t.Title, t.Type, t.Options)
	if err != nil {
		return BroadcastResult{}, err
	}

	convs, err := s.ListConversations(ctx, Query{})
	if err != nil {
		return BroadcastResult{}, err
	}

	var res BroadcastResult
	for _, c := range convs {
		touched := 0
		if t.Role == "" {
			added, err := addOnce(ctx, s, c.ID, "", a)
			if err != nil {
				return res, err
			}
			touched += added
		} else {
			for _, m := range c.Messages {
				if m.Role != t.Role {
					continue
				}
				added, err := addOnce(ctx, s, c.ID, m.ID, a)
				if err != nil {
					return res, err
				}
				touched += added
			}
		}
		if touched > 0 {
			res.Conversations++
			res.Annotations += touched
		}
	}
	return res, nil
}

func addOnce(ctx context.Context, s Store, conversationID, messageID string, a conversation.Annotation) (int, error) {
	err := s.AddAnnotation(ctx, conversationID, messageID, a)
	if errors.Is(err, apperr.ErrConflict) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("adding %s to conversation %s: %w", a.ID, conversationID, err)
	}
	return 1, nil
}

// BroadcastUpdate applies p to every annotation with annotationID, at
// conversation and message level. Answers are not broadcast; when new
// options invalidate an existing answer, that answer is cleared.
func BroadcastUpdate(ctx context.Context, s Store, annotationID string, p conversation.AnnotationPatch) (BroadcastResult, error) {
	if p.Answers != nil {
		return BroadcastResult{}, apperr.Invalid("answers", "cannot be set on every conversation at once")
	}
	if p.Empty() {
		return BroadcastResult{}, apperr.Invalid("patch", "no fields to update")
	}

	var res BroadcastResult
	err := eachTarget(ctx, s, annotationID, func(t conversation.Target) error {
		err := s.UpdateAnnotation(ctx, t, p)
		if apperr.IsValidation(err) && p.Options != nil {
			cleared := p
			empty := []string{}
			cleared.Answers = &empty
			if err = s.UpdateAnnotation(ctx, t, cleared); err == nil {
				res.Reset++
			}
		}
		if err != nil {
			return err
		}
		res.Annotations++
		return nil
	}, &res)
	return res, err
}

// BroadcastRemove deletes every annotation with annotationID.
func BroadcastRemove(ctx context.Context, s Store, annotationID string) (BroadcastResult, error) {
	var res BroadcastResult
	err := eachTarget(ctx, s, annotationID, func(t conversation.Target) error {
		if err := s.RemoveAnnotation(ctx, t); err != nil {
			return err
		}
		res.Annotations++
		return nil
	}, &res)
	return res, err
}

// eachTarget calls fn for every place annotationID occurs and counts the
// conversations involved. It returns ErrNotFound when nothing matched.
func eachTarget(ctx context.Context, s Store, annotationID string, fn func(conversation.Target) error, res *BroadcastResult) error {
	if annotationID == "" {
		return apperr.Invalid("annotationId", "required")
	}
	convs, err := s.ListConversations(ctx, Query{})
	if err != nil {
		return err
	}
	for _, c := range convs {
		var targets []conversation.Target
		for _, a := range c.Annotations {
			if a.ID == annotationID {
				targets = append(targets, conversation.Target{ConversationID: c.ID, AnnotationID: a.ID})
			}
		}
		for _, m := range c.Messages {
			for _, a := range m.Annotations {
				if a.ID == annotationID {
					targets = append(targets, conversation.Target{ConversationID: c.ID, MessageID: m.ID, AnnotationID: a.ID})
				}
			}
		}
		if len(targets) == 0 {
			continue
		}
		for _, t := range targets {
			if err := fn(t); err != nil {
				return fmt.Errorf("conversation %s: %w", c.ID, err)
			}
		}
		res.Conversations++
	}
	if res.Conversations == 0 {
		return apperr.NotFound("annotation %s", annotationID)
	}
	return nil
}
