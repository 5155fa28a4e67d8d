package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/conversation"
	"github.com/kalambet/annotd/internal/storage"
)

// mongoStore keeps each conversation as one document. Annotation and comment
// mutations are single-document updates that address array elements through
// array filters, so they never depend on message position.
type mongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func openMongo(ctx context.Context, d storage.StoreDescriptor) (*mongoStore, error) {
	if d.StoreID == "" {
		return nil, apperr.Invalid("storeId", "required for MongoDB stores")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(d.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}
	return &mongoStore{
		client: client,
		coll:   client.Database(d.StoreID).Collection(d.ContainerID),
	}, nil
}

func (s *mongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// --- Documents ---

type mongoComment struct {
	ID        string    `bson:"id"`
	Author    string    `bson:"author"`
	Timestamp time.Time `bson:"timestamp"`
	Content   string    `bson:"content"`
}

type mongoMessage struct {
	ID          string                `bson:"id"`
	Role        string                `bson:"role"`
	Content     string                `bson:"content"`
	Annotations []conversation.Record `bson:"annotations"`
	Comments    []mongoComment        `bson:"comments"`
}

type mongoMoment struct {
	Text      string `bson:"text"`
	Timestamp int64  `bson:"timestamp"`
}

type mongoConversation struct {
	ID               string                `bson:"_id"`
	Participant      string                `bson:"participant"`
	FirstInteraction mongoMoment           `bson:"firstInteraction"`
	LastInteraction  mongoMoment           `bson:"lastInteraction"`
	Messages         []mongoMessage        `bson:"messages"`
	Annotations      []conversation.Record `bson:"annotations"`
}

func records(anns []conversation.Annotation) []conversation.Record {
	out := make([]conversation.Record, 0, len(anns))
	for _, a := range anns {
		out = append(out, a.ToRecord())
	}
	return out
}

func annotations(recs []conversation.Record) ([]conversation.Annotation, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]conversation.Annotation, 0, len(recs))
	for _, r := range recs {
		a, err := conversation.FromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// toMongo builds the stored document. Array fields are never nil so that
// $push on them works.
func toMongo(c conversation.Conversation) mongoConversation {
	doc := mongoConversation{
		ID:               c.ID,
		Participant:      c.Participant,
		FirstInteraction: mongoMoment(c.FirstInteraction),
		LastInteraction:  mongoMoment(c.LastInteraction),
		Messages:         make([]mongoMessage, 0, len(c.Messages)),
		Annotations:      records(c.Annotations),
	}
	for _, m := range c.Messages {
		mm := mongoMessage{
			ID:          m.ID,
			Role:        string(m.Role),
			Content:     m.Content,
			Annotations: records(m.Annotations),
			Comments:    make([]mongoComment, 0, len(m.Comments)),
		}
		for _, cm := range m.Comments {
			mm.Comments = append(mm.Comments, mongoComment(cm))
		}
		doc.Messages = append(doc.Messages, mm)
	}
	return doc
}

func fromMongo(doc mongoConversation) (conversation.Conversation, error) {
	c := conversation.Conversation{
		ID:               doc.ID,
		Participant:      doc.Participant,
		FirstInteraction: conversation.Moment(doc.FirstInteraction),
		LastInteraction:  conversation.Moment(doc.LastInteraction),
		Messages:         make([]conversation.Message, 0, len(doc.Messages)),
	}
	var err error
	if c.Annotations, err = annotations(doc.Annotations); err != nil {
		return conversation.Conversation{}, fmt.Errorf("conversation %s: %w", doc.ID, err)
	}
	for _, mm := range doc.Messages {
		m := conversation.Message{
			ID:      mm.ID,
			Role:    conversation.Role(mm.Role),
			Content: mm.Content,
		}
		if m.Annotations, err = annotations(mm.Annotations); err != nil {
			return conversation.Conversation{}, fmt.Errorf("conversation %s: %w", doc.ID, err)
		}
		for _, cm := range mm.Comments {
			m.Comments = append(m.Comments, conversation.Comment(cm))
		}
		c.Messages = append(c.Messages, m)
	}
	return c, nil
}

// --- Reads ---

func listFilter(q Query) bson.M {
	filter := bson.M{}
	if q.Restricted {
		ids := q.IDs
		if ids == nil {
			ids = []string{}
		}
		filter["_id"] = bson.M{"$in": ids}
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		re := bson.Regex{Pattern: regexp.QuoteMeta(search), Options: "i"}
		filter["$or"] = bson.A{
			bson.M{"participant": re},
			bson.M{"firstInteraction.text": re},
			bson.M{"lastInteraction.text": re},
			bson.M{"messages.content": re},
		}
	}
	return filter
}

func (s *mongoStore) ListConversations(ctx context.Context, q Query) ([]conversation.Conversation, error) {
	if q.Restricted && len(q.IDs) == 0 {
		return []conversation.Conversation{}, nil
	}
	cur, err := s.coll.Find(ctx, listFilter(q), options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	var docs []mongoConversation
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding conversations: %w", err)
	}
	out := make([]conversation.Conversation, 0, len(docs))
	for _, d := range docs {
		c, err := fromMongo(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *mongoStore) ConversationIDs(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	cur, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing conversation ids: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding conversation ids: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *mongoStore) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	var doc mongoConversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return conversation.Conversation{}, notFoundConversation(id)
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("reading conversation %s: %w", id, err)
	}
	return fromMongo(doc)
}

func (s *mongoStore) InsertConversations(ctx context.Context, convs []conversation.Conversation) (int, error) {
	inserted := 0
	for i := range convs {
		if err := validateInsert(&convs[i]); err != nil {
			return inserted, err
		}
		_, err := s.coll.InsertOne(ctx, toMongo(convs[i]))
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return inserted, fmt.Errorf("inserting conversation %s: %w", convs[i].ID, err)
		}
		inserted++
	}
	return inserted, nil
}

// --- Update builders ---

// mongoUpdate is one UpdateOne call: a filter that matches only when the
// addressed element exists, the update document and its array filters.
type mongoUpdate struct {
	Filter       bson.M
	Update       bson.M
	ArrayFilters []any
}

// annotationPath returns the array path of the annotation list addressed by
// messageID and the array filters that bind $[m].
func annotationPath(messageID string) (string, []any) {
	if messageID == "" {
		return "annotations", nil
	}
	return "messages.$[m].annotations", []any{bson.M{"m.id": messageID}}
}

// elementFilter matches conversationID only when the message (if any)
// carries an annotation list element satisfying elem.
func elementFilter(conversationID, messageID string, elem bson.M) bson.M {
	if messageID == "" {
		return bson.M{"_id": conversationID, "annotations": bson.M{"$elemMatch": elem}}
	}
	return bson.M{"_id": conversationID, "messages": bson.M{"$elemMatch": bson.M{
		"id":          messageID,
		"annotations": bson.M{"$elemMatch": elem},
	}}}
}

// sameList matches a stored string list equal to v. An empty v also matches
// a null or missing field.
func sameList(v []string) any {
	if len(v) == 0 {
		return bson.M{"$in": bson.A{nil, bson.A{}}}
	}
	return v
}

// buildSetAnnotation writes the fields named by p from the patched record
// after. Options and answers are validated against each other, so a patch
// touching either only applies while the element still holds before's.
func buildSetAnnotation(t conversation.Target, p conversation.AnnotationPatch, before, after conversation.Record) mongoUpdate {
	path, filters := annotationPath(t.MessageID)
	elem := path + ".$[a]"
	set := bson.M{}
	if p.Title != nil {
		set[elem+".title"] = after.Title
	}
	if p.Options != nil {
		set[elem+".options"] = after.Options
	}
	if p.Answers != nil {
		set[elem+".answers"] = after.Answers
	}

	match := bson.M{"_id": t.AnnotationID}
	if p.Options != nil || p.Answers != nil {
		match["options"] = sameList(before.Options)
		match["answers"] = sameList(before.Answers)
	}
	arrayMatch := bson.M{}
	for k, v := range match {
		arrayMatch["a."+k] = v
	}
	return mongoUpdate{
		Filter:       elementFilter(t.ConversationID, t.MessageID, match),
		Update:       bson.M{"$set": set},
		ArrayFilters: append(filters, arrayMatch),
	}
}

func buildPushAnnotation(conversationID, messageID string, rec conversation.Record) mongoUpdate {
	path, filters := annotationPath(messageID)
	var filter bson.M
	if messageID == "" {
		filter = bson.M{"_id": conversationID, "annotations._id": bson.M{"$ne": rec.ID}}
	} else {
		filter = bson.M{"_id": conversationID, "messages": bson.M{"$elemMatch": bson.M{
			"id":              messageID,
			"annotations._id": bson.M{"$ne": rec.ID},
		}}}
	}
	return mongoUpdate{
		Filter:       filter,
		Update:       bson.M{"$push": bson.M{path: rec}},
		ArrayFilters: filters,
	}
}

func buildPullAnnotation(t conversation.Target) mongoUpdate {
	path, filters := annotationPath(t.MessageID)
	return mongoUpdate{
		Filter:       elementFilter(t.ConversationID, t.MessageID, bson.M{"_id": t.AnnotationID}),
		Update:       bson.M{"$pull": bson.M{path: bson.M{"_id": t.AnnotationID}}},
		ArrayFilters: filters,
	}
}

func buildPushComment(conversationID, messageID string, cm conversation.Comment) mongoUpdate {
	return mongoUpdate{
		Filter:       bson.M{"_id": conversationID, "messages.id": messageID},
		Update:       bson.M{"$push": bson.M{"messages.$[m].comments": mongoComment(cm)}},
		ArrayFilters: []any{bson.M{"m.id": messageID}},
	}
}

func buildPullComment(conversationID, messageID, commentID string) mongoUpdate {
	return mongoUpdate{
		Filter: bson.M{"_id": conversationID, "messages": bson.M{"$elemMatch": bson.M{
			"id":          messageID,
			"comments.id": commentID,
		}}},
		Update:       bson.M{"$pull": bson.M{"messages.$[m].comments": bson.M{"id": commentID}}},
		ArrayFilters: []any{bson.M{"m.id": messageID}},
	}
}

// apply runs u and reports whether the filter matched a document.
func (s *mongoStore) apply(ctx context.Context, u mongoUpdate) (bool, error) {
	opts := options.UpdateOne()
	if len(u.ArrayFilters) > 0 {
		opts.SetArrayFilters(u.ArrayFilters)
	}
	res, err := s.coll.UpdateOne(ctx, u.Filter, u.Update, opts)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// --- Mutations ---

// updateAttempts bounds how often UpdateAnnotation re-reads an annotation
// that changed between its read and its guarded write.
const updateAttempts = 3

func (s *mongoStore) UpdateAnnotation(ctx context.Context, t conversation.Target, p conversation.AnnotationPatch) error {
	if p.Empty() {
		return apperr.Invalid("patch", "no fields to update")
	}
	for range updateAttempts {
		// Validation needs the annotation's kind, so the patch is applied to a
		// fresh copy first and only the resulting fields are written.
		c, err := s.GetConversation(ctx, t.ConversationID)
		if err != nil {
			return err
		}
		a, err := c.Annotation(t.MessageID, t.AnnotationID)
		if err != nil {
			return err
		}
		before := a.ToRecord()
		if err := p.Apply(a); err != nil {
			return err
		}

		ok, err := s.apply(ctx, buildSetAnnotation(t, p, before, a.ToRecord()))
		if err != nil {
			return fmt.Errorf("updating annotation %s: %w", t.AnnotationID, err)
		}
		if ok {
			return nil
		}
	}
	return apperr.Conflict("annotation %s in conversation %s was modified concurrently", t.AnnotationID, t.ConversationID)
}

func (s *mongoStore) AddAnnotation(ctx context.Context, conversationID, messageID string, a conversation.Annotation) error {
	ok, err := s.apply(ctx, buildPushAnnotation(conversationID, messageID, a.ToRecord()))
	if err != nil {
		return fmt.Errorf("adding annotation %s: %w", a.ID, err)
	}
	if ok {
		return nil
	}
	// Distinguish a missing target from a duplicate id.
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	return c.AddAnnotation(messageID, a)
}

func (s *mongoStore) RemoveAnnotation(ctx context.Context, t conversation.Target) error {
	ok, err := s.apply(ctx, buildPullAnnotation(t))
	if err != nil {
		return fmt.Errorf("removing annotation %s: %w", t.AnnotationID, err)
	}
	if !ok {
		return apperr.NotFound("annotation %s in conversation %s", t.AnnotationID, t.ConversationID)
	}
	return nil
}

func (s *mongoStore) AddComment(ctx context.Context, conversationID, messageID string, cm conversation.Comment) error {
	if strings.TrimSpace(cm.Content) == "" {
		return apperr.Invalid("content", "required")
	}
	ok, err := s.apply(ctx, buildPushComment(conversationID, messageID, cm))
	if err != nil {
		return fmt.Errorf("adding comment: %w", err)
	}
	if !ok {
		return apperr.NotFound("message %s in conversation %s", messageID, conversationID)
	}
	return nil
}

func (s *mongoStore) DeleteComment(ctx context.Context, conversationID, messageID, commentID string) error {
	ok, err := s.apply(ctx, buildPullComment(conversationID, messageID, commentID))
	if err != nil {
		return fmt.Errorf("deleting comment %s: %w", commentID, err)
	}
	if !ok {
		return apperr.NotFound("comment %s on message %s", commentID, messageID)
	}
	return nil
}
