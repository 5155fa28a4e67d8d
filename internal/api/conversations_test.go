package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/kalambet/annotd/internal/conversation"
	"github.com/kalambet/annotd/internal/storage"
)

func conversationIDs(convs []conversation.Conversation) []string {
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	return ids
}

func assignTo(t *testing.T, a *testApp, userID, title string, convs ...string) {
	t.Helper()
	err := a.reg.UpsertAssignment(context.Background(), userID, "A", "team_x", storage.Assignment{Title: title, Conversations: convs})
	if err != nil {
		t.Fatalf("UpsertAssignment: %v", err)
	}
}

func TestListConversations_AccessPolicy(t *testing.T) {
	a := setupApp(t)
	admin := a.createUser(t, "admin", storage.RoleAdmin)
	ann := a.createUser(t, "ann", storage.RoleAnnotator)
	assignTo(t, a, ann.ID, "first", "c1", "c2")
	assignTo(t, a, ann.ID, "second", "c2", "c3")

	tests := []struct {
		name string
		url  string
		want []string
	}{
		{"no user sees all", "/conversations", []string{"c1", "c2", "c3"}},
		{"admin sees all", "/conversations?user=" + admin.ID, []string{"c1", "c2", "c3"}},
		{"annotator sees assigned", "/conversations?user=" + ann.ID, []string{"c1", "c2", "c3"}},
		{"one assignment", "/conversations?user=" + ann.ID + "&assignment=first", []string{"c1", "c2"}},
		{"unknown assignment", "/conversations?user=" + ann.ID + "&assignment=none", []string{}},
		{"search message content", "/conversations?user=" + ann.ID + "&query=REFUND", []string{"c2"}},
		{"search participant", "/conversations?query=carol", []string{"c3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, http.MethodGet, tt.url, "")
			wantStatus(t, rr, http.StatusOK)
			list := decode[conversationList](t, rr)
			got := conversationIDs(list.Conversations)
			if len(got) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", got, tt.want)
				}
			}
			if list.Store != desc("A") {
				t.Errorf("store = %+v, want A", list.Store)
			}
		})
	}

	wantStatus(t, a.do(t, http.MethodGet, "/conversations?user=missing", ""), http.StatusNotFound)
}

func TestGetConversation_OutsideScopeIsNotFound(t *testing.T) {
	a := setupApp(t)
	ann := a.createUser(t, "ann", storage.RoleAnnotator)
	assignTo(t, a, ann.ID, "first", "c1")

	rr := a.do(t, http.MethodGet, "/conversations/c1?user="+ann.ID, "")
	wantStatus(t, rr, http.StatusOK)
	if c := decode[conversation.Conversation](t, rr); c.Participant != "Alice" || len(c.Messages) != 2 {
		t.Errorf("conversation = %+v", c)
	}

	wantStatus(t, a.do(t, http.MethodGet, "/conversations/c2?user="+ann.ID, ""), http.StatusNotFound)
	wantStatus(t, a.do(t, http.MethodGet, "/conversations/c9", ""), http.StatusNotFound)
}

func TestAnswer(t *testing.T) {
	a := setupApp(t)

	t.Run("conversation level", func(t *testing.T) {
		rr := a.do(t, http.MethodPatch, "/conversations/c2/annotations/topic", `{"answers":["tech"]}`)
		wantStatus(t, rr, http.StatusOK)
		c := decode[conversation.Conversation](t, rr)
		if got := c.Annotations[0].Answers; len(got) != 1 || got[0] != "tech" {
			t.Errorf("answers = %v", got)
		}
	})

	t.Run("answer outside options", func(t *testing.T) {
		rr := a.do(t, http.MethodPatch, "/conversations/c2/annotations/topic", `{"answers":["weather"]}`)
		wantStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("message level", func(t *testing.T) {
		rr := a.do(t, http.MethodPatch, "/conversations/c3/messages/m2/annotations/tone", `{"answers":["calm"]}`)
		wantStatus(t, rr, http.StatusOK)
		c := decode[conversation.Conversation](t, rr)
		if got := c.Messages[1].Annotations[0].Answers; len(got) != 1 || got[0] != "calm" {
			t.Errorf("answers = %v", got)
		}
	})

	t.Run("unknown message", func(t *testing.T) {
		rr := a.do(t, http.MethodPatch, "/conversations/c3/messages/m9/annotations/tone", `{"answers":["calm"]}`)
		wantStatus(t, rr, http.StatusNotFound)
	})

	t.Run("clearing answers", func(t *testing.T) {
		rr := a.do(t, http.MethodPatch, "/conversations/c1/annotations/topic", `{"answers":null}`)
		wantStatus(t, rr, http.StatusOK)
		c := decode[conversation.Conversation](t, rr)
		if c.Annotations[0].Completed() {
			t.Errorf("answers = %v, want cleared", c.Annotations[0].Answers)
		}
	})
}

func TestAnswer_AnnotatorScope(t *testing.T) {
	a := setupApp(t)
	ann := a.createUser(t, "ann", storage.RoleAnnotator)
	assignTo(t, a, ann.ID, "first", "c2")

	rr := a.do(t, http.MethodPatch, "/conversations/c1/annotations/topic?user="+ann.ID, `{"answers":["tech"]}`)
	wantStatus(t, rr, http.StatusNotFound)

	rr = a.do(t, http.MethodPatch, "/conversations/c2/annotations/topic?user="+ann.ID, `{"answers":["billing"]}`)
	wantStatus(t, rr, http.StatusOK)
}

func TestComments(t *testing.T) {
	a := setupApp(t)
	ann := a.createUser(t, "ann", storage.RoleAnnotator)
	assignTo(t, a, ann.ID, "first", "c1")

	rr := a.do(t, http.MethodPost, "/conversations/c1/messages/m1/comments?user="+ann.ID, `{"content":"customer is upset"}`)
	wantStatus(t, rr, http.StatusCreated)
	cm := decode[conversation.Comment](t, rr)
	if cm.ID == "" || cm.Author != "ann" || cm.Timestamp.IsZero() {
		t.Errorf("comment = %+v", cm)
	}

	c, err := a.mems["A"].GetConversation(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Messages[0].Comments) != 1 {
		t.Fatalf("stored comments = %+v", c.Messages[0].Comments)
	}

	wantStatus(t, a.do(t, http.MethodPost, "/conversations/c1/messages/m1/comments", `{"content":" "}`), http.StatusBadRequest)
	wantStatus(t, a.do(t, http.MethodPost, "/conversations/c1/messages/m7/comments", `{"content":"x"}`), http.StatusNotFound)

	wantStatus(t, a.do(t, http.MethodDelete, "/conversations/c1/messages/m1/comments/"+cm.ID+"?user="+ann.ID, ""), http.StatusNoContent)
	wantStatus(t, a.do(t, http.MethodDelete, "/conversations/c1/messages/m1/comments/"+cm.ID, ""), http.StatusNotFound)
}
