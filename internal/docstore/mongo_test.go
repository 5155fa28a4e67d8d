package docstore

import (
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/kalambet/annotd/internal/conversation"
)

func TestBuildSetAnnotation_MessageLevel(t *testing.T) {
	answers := []string{"4"}
	target := conversation.Target{ConversationID: "c1", MessageID: "m2", AnnotationID: "acc"}
	before := conversation.Record{ID: "acc", Title: "Accuracy", Type: conversation.KindScaler, Answers: []string{"2"}}
	after := conversation.Record{ID: "acc", Title: "Accuracy", Type: conversation.KindScaler, Answers: answers}

	u := buildSetAnnotation(target, conversation.AnnotationPatch{Answers: &answers}, before, after)

	noOptions := bson.M{"$in": bson.A{nil, bson.A{}}}
	wantFilter := bson.M{"_id": "c1", "messages": bson.M{"$elemMatch": bson.M{
		"id": "m2",
		"annotations": bson.M{"$elemMatch": bson.M{
			"_id": "acc", "options": noOptions, "answers": []string{"2"},
		}},
	}}}
	if !reflect.DeepEqual(u.Filter, wantFilter) {
		t.Errorf("filter = %v, want %v", u.Filter, wantFilter)
	}
	wantUpdate := bson.M{"$set": bson.M{"messages.$[m].annotations.$[a].answers": answers}}
	if !reflect.DeepEqual(u.Update, wantUpdate) {
		t.Errorf("update = %v, want %v", u.Update, wantUpdate)
	}
	wantFilters := []any{
		bson.M{"m.id": "m2"},
		bson.M{"a._id": "acc", "a.options": noOptions, "a.answers": []string{"2"}},
	}
	if !reflect.DeepEqual(u.ArrayFilters, wantFilters) {
		t.Errorf("array filters = %v, want %v", u.ArrayFilters, wantFilters)
	}
}

func TestBuildSetAnnotation_OptionsGuardedOnReadState(t *testing.T) {
	options := []string{"billing", "tech", "other"}
	target := conversation.Target{ConversationID: "c1", AnnotationID: "topic"}
	before := conversation.Record{ID: "topic", Type: conversation.KindMultipleChoice, Options: []string{"billing", "tech"}, Answers: []string{"tech"}}
	after := before
	after.Options = options

	u := buildSetAnnotation(target, conversation.AnnotationPatch{Options: options}, before, after)

	elem := u.Filter["annotations"].(bson.M)["$elemMatch"].(bson.M)
	if !reflect.DeepEqual(elem["options"], []string{"billing", "tech"}) || !reflect.DeepEqual(elem["answers"], []string{"tech"}) {
		t.Errorf("filter %v does not pin the read options and answers", u.Filter)
	}
	arrayFilter := u.ArrayFilters[len(u.ArrayFilters)-1].(bson.M)
	if !reflect.DeepEqual(arrayFilter["a.answers"], []string{"tech"}) || arrayFilter["a._id"] != "topic" {
		t.Errorf("array filter = %v", arrayFilter)
	}
	set := u.Update["$set"].(bson.M)
	if _, ok := set["annotations.$[a].answers"]; ok {
		t.Errorf("options-only patch rewrote answers: %v", set)
	}
	if !reflect.DeepEqual(set["annotations.$[a].options"], options) {
		t.Errorf("$set = %v", set)
	}
}

func TestBuildSetAnnotation_ConversationLevelTitle(t *testing.T) {
	title := "Topic"
	target := conversation.Target{ConversationID: "c1", AnnotationID: "topic"}
	rec := conversation.Record{ID: "topic", Title: title}

	u := buildSetAnnotation(target, conversation.AnnotationPatch{Title: &title}, rec, rec)

	wantFilter := bson.M{"_id": "c1", "annotations": bson.M{"$elemMatch": bson.M{"_id": "topic"}}}
	if !reflect.DeepEqual(u.Filter, wantFilter) {
		t.Errorf("filter = %v", u.Filter)
	}
	set := u.Update["$set"].(bson.M)
	if len(set) != 1 || set["annotations.$[a].title"] != title {
		t.Errorf("$set = %v", set)
	}
}

func TestBuildPushAnnotation_GuardsDuplicates(t *testing.T) {
	rec := conversation.Record{ID: "note"}
	u := buildPushAnnotation("c1", "", rec)
	if u.Filter["annotations._id"] == nil {
		t.Errorf("filter %v does not exclude existing id", u.Filter)
	}
	if len(u.ArrayFilters) != 0 {
		t.Errorf("conversation-level push should not need array filters: %v", u.ArrayFilters)
	}

	u = buildPushAnnotation("c1", "m1", rec)
	push := u.Update["$push"].(bson.M)
	if _, ok := push["messages.$[m].annotations"]; !ok {
		t.Errorf("$push = %v", push)
	}
}

func TestBuildPullComment(t *testing.T) {
	u := buildPullComment("c1", "m1", "k1")
	want := bson.M{"$pull": bson.M{"messages.$[m].comments": bson.M{"id": "k1"}}}
	if !reflect.DeepEqual(u.Update, want) {
		t.Errorf("update = %v", u.Update)
	}
}

func TestListFilter(t *testing.T) {
	f := listFilter(Query{Restricted: true, IDs: []string{"a", "b"}, Search: "a.b"})
	in := f["_id"].(bson.M)["$in"].([]string)
	if len(in) != 2 {
		t.Errorf("$in = %v", in)
	}
	or := f["$or"].(bson.A)
	re := or[0].(bson.M)["participant"].(bson.Regex)
	if re.Pattern != `a\.b` || re.Options != "i" {
		t.Errorf("regex = %+v", re)
	}

	if f := listFilter(Query{}); len(f) != 0 {
		t.Errorf("unrestricted filter = %v, want empty", f)
	}
}

func TestMongoDocumentRoundTrip(t *testing.T) {
	c := fixture(t)[0]
	c.Messages[0].Comments = []conversation.Comment{{ID: "k", Author: "a", Timestamp: time.Unix(1700000000, 0).UTC(), Content: "x"}}

	doc := toMongo(c)
	if doc.Messages[0].Annotations == nil {
		t.Error("message annotations must be an empty array, not nil")
	}
	data, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back mongoConversation
	if err := bson.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, err := fromMongo(back)
	if err != nil {
		t.Fatalf("fromMongo: %v", err)
	}
	if got.ID != c.ID || len(got.Messages) != 2 || got.Messages[1].Annotations[0].Spec.Kind() != conversation.KindScaler {
		t.Errorf("round trip = %+v", got)
	}
	if got.Messages[0].Comments[0].Content != "x" {
		t.Errorf("comment lost: %+v", got.Messages[0])
	}
}
