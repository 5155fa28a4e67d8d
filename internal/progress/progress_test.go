package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/annotd/internal/conversation"
	"github.com/kalambet/annotd/internal/storage"
)

func ann(t *testing.T, id, title string, kind conversation.Kind, answers []string, options ...string) conversation.Annotation {
	t.Helper()
	a, err := conversation.NewAnnotation(id, title, kind, options)
	require.NoError(t, err)
	if answers != nil {
		require.NoError(t, a.SetAnswers(answers))
	}
	return a
}

func conv(id string, convAnns []conversation.Annotation, msgAnns ...[]conversation.Annotation) conversation.Conversation {
	c := conversation.Conversation{ID: id, Annotations: convAnns}
	for i, anns := range msgAnns {
		c.Messages = append(c.Messages, conversation.Message{
			ID:          string(rune('a' + i)),
			Role:        conversation.RoleUser,
			Annotations: anns,
		})
	}
	return c
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		conv func(t *testing.T) conversation.Conversation
		want State
	}{
		{
			name: "no annotations",
			conv: func(t *testing.T) conversation.Conversation {
				return conv("c", nil, nil)
			},
			want: Annotated,
		},
		{
			name: "multiple answers answered and textbox unanswered",
			conv: func(t *testing.T) conversation.Conversation {
				return conv("c", []conversation.Annotation{
					ann(t, "labels", "Labels", conversation.KindMultipleAnswers, []string{"x", "y"}, "x", "y", "z"),
					ann(t, "notes", "Notes", conversation.KindTextbox, nil),
				})
			},
			want: InProgress,
		},
		{
			name: "message annotation answered",
			conv: func(t *testing.T) conversation.Conversation {
				return conv("c",
					[]conversation.Annotation{ann(t, "notes", "Notes", conversation.KindTextbox, nil)},
					[]conversation.Annotation{ann(t, "acc", "Accuracy", conversation.KindScaler, []string{"3"}, "1", "5")},
				)
			},
			want: InProgress,
		},
		{
			name: "all answered across levels",
			conv: func(t *testing.T) conversation.Conversation {
				return conv("c",
					[]conversation.Annotation{ann(t, "notes", "Notes", conversation.KindTextbox, []string{"fine"})},
					[]conversation.Annotation{ann(t, "acc", "Accuracy", conversation.KindScaler, []string{"5"}, "1", "5")},
					nil,
				)
			},
			want: Annotated,
		},
		{
			name: "empty answers count as unanswered",
			conv: func(t *testing.T) conversation.Conversation {
				a := ann(t, "notes", "Notes", conversation.KindTextbox, nil)
				a.Answers = []string{}
				return conv("c", []conversation.Annotation{a})
			},
			want: NotAnnotated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.conv(t)))
		})
	}
}

func TestClassify_AnswerRoundTrip(t *testing.T) {
	single := conv("c", []conversation.Annotation{ann(t, "notes", "Notes", conversation.KindTextbox, nil)})
	assert.Equal(t, NotAnnotated, Classify(single))
	require.NoError(t, single.Annotations[0].SetAnswers([]string{"x"}))
	assert.Equal(t, Annotated, Classify(single))

	pair := conv("c", []conversation.Annotation{
		ann(t, "notes", "Notes", conversation.KindTextbox, nil),
		ann(t, "more", "More", conversation.KindTextbox, nil),
	})
	require.NoError(t, pair.Annotations[0].SetAnswers([]string{"x"}))
	assert.Equal(t, InProgress, Classify(pair))
}

func sample(t *testing.T) []conversation.Conversation {
	topic := func(answers []string) []conversation.Annotation {
		return []conversation.Annotation{ann(t, "topic", "Topic", conversation.KindMultipleChoice, answers, "billing", "other")}
	}
	return []conversation.Conversation{
		conv("c1", topic([]string{"billing"})),
		conv("c2", topic(nil), []conversation.Annotation{ann(t, "acc", "Accuracy", conversation.KindScaler, []string{"2"}, "1", "5")}),
		conv("c3", topic(nil)),
		conv("c4", append(topic([]string{"other"}), ann(t, "notes", "Notes", conversation.KindTextbox, nil))),
	}
}

func TestComputeStatus(t *testing.T) {
	convs := sample(t)

	all := ComputeStatus(convs, FullAccess{})
	assert.Equal(t, Status{Annotated: 1, InProgress: 2, NotAnnotated: 1}, all)
	assert.Equal(t, 4, all.Total())
	assert.Equal(t, all, ComputeStatus(convs, FullAccess{}), "idempotent")

	scoped := ComputeStatus(convs, Scoped([]string{"c1", "c3", "c3", "missing"}))
	assert.Equal(t, Status{Annotated: 1, NotAnnotated: 1}, scoped)

	assert.Equal(t, Status{}, ComputeStatus(convs, Scoped(nil)))
}

func users() []storage.User {
	return []storage.User{
		{ID: "u1", Username: "root", Role: storage.RoleAdmin},
		{ID: "u2", Username: "ann", Role: storage.RoleAnnotator, AssignedConversations: map[string]storage.AssignedStore{
			"s1": {TeamID: "team_1", Assignments: []storage.Assignment{
				{Title: "first", Conversations: []string{"c1", "c2"}},
				{Title: "second", Conversations: []string{"c2", "c3"}},
			}},
		}},
		{ID: "u3", Username: "bob", Role: storage.RoleAnnotator, AssignedConversations: map[string]storage.AssignedStore{
			"s2": {TeamID: "team_2", Assignments: []storage.Assignment{{Title: "x", Conversations: []string{"c1"}}}},
		}},
	}
}

func TestPolicyFor(t *testing.T) {
	us := users()

	_, full := PolicyFor(us[0], "s1").(FullAccess)
	assert.True(t, full)
	assert.False(t, PolicyFor(us[0], "s1").Query().Restricted)

	p := PolicyFor(us[1], "s1")
	assert.True(t, p.Allows("c3"))
	assert.False(t, p.Allows("c4"))
	assert.Equal(t, []string{"c1", "c2", "c3"}, p.Query().IDs)
	assert.True(t, p.Query().Restricted)

	none := PolicyFor(us[2], "s1")
	assert.False(t, none.Allows("c1"))
	assert.True(t, none.Query().Restricted)
	assert.Empty(t, none.Query().IDs)
}

func TestPolicyForAssignment(t *testing.T) {
	us := users()
	assert.Equal(t, []string{"c2", "c3"}, PolicyForAssignment(us[1], "s1", "second").Query().IDs)
	assert.Empty(t, PolicyForAssignment(us[1], "s1", "missing").Query().IDs)
	_, full := PolicyForAssignment(us[0], "s2", "").(FullAccess)
	assert.True(t, full, "admin without title keeps full access")
	assert.Equal(t, []string{"c1", "c2", "c3"}, PolicyForAssignment(us[1], "s1", "").Query().IDs)
}

func TestDashboard(t *testing.T) {
	rows := Dashboard(users(), "s1", sample(t))
	require.Len(t, rows, 2)

	assert.Equal(t, "root", rows[0].Username)
	assert.Equal(t, Status{Annotated: 1, InProgress: 2, NotAnnotated: 1}, rows[0].Status)

	assert.Equal(t, "ann", rows[1].Username)
	assert.Equal(t, Status{Annotated: 1, InProgress: 1, NotAnnotated: 1}, rows[1].Status)
}

func TestLabelDistribution(t *testing.T) {
	convs := sample(t)
	us := users()
	got := LabelDistribution(convs, []AccessPolicy{PolicyFor(us[0], "s1"), PolicyFor(us[1], "s1")})

	assert.Equal(t, []LabelCount{
		{Label: "Topic", NumsAnnotated: 3, NumsNotAnnotated: 4},
		{Label: "Notes", NumsAnnotated: 0, NumsNotAnnotated: 1},
	}, got)

	assert.Equal(t, []LabelCount{}, LabelDistribution(convs, nil))
}
