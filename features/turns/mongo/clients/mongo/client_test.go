package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/turns"
)

type fakeSingleResult struct {
	doc sessionDocument
	err error
}

func (r fakeSingleResult) Decode(v interface{}) error {
	if r.err != nil {
		return r.err
	}
	*(v.(*sessionDocument)) = r.doc
	return nil
}

type fakeCursor struct {
	docs []sessionDocument
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(v interface{}) error {
	*(v.(*sessionDocument)) = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

type updateCall struct {
	filter interface{}
	update interface{}
	opts   []*options.UpdateOptions
}

type fakeCollection struct {
	findOneResult fakeSingleResult
	findDocs      []sessionDocument
	updateResult  *mongodriver.UpdateResult
	updateErr     error
	updates       []updateCall
	replaced      []interface{}
}

func (c *fakeCollection) FindOne(context.Context, interface{}, ...*options.FindOneOptions) singleResult {
	return c.findOneResult
}

func (c *fakeCollection) Find(context.Context, interface{}, ...*options.FindOptions) (cursor, error) {
	return &fakeCursor{docs: c.findDocs}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter, update interface{}, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.updates = append(c.updates, updateCall{filter: filter, update: update, opts: opts})
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	if c.updateResult != nil {
		return c.updateResult, nil
	}
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeCollection) ReplaceOne(_ context.Context, _, replacement interface{}, _ ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	c.replaced = append(c.replaced, replacement)
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

func newFakeClient(t *testing.T, coll *fakeCollection) *client {
	t.Helper()
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return c
}

func TestEnsureSessionUpsertsThenLoads(t *testing.T) {
	coll := &fakeCollection{
		findOneResult: fakeSingleResult{doc: sessionDocument{SessionID: "s1"}},
	}
	c := newFakeClient(t, coll)

	session, err := c.EnsureSession(context.Background(), "s1", time.Now())
	require.NoError(t, err)
	require.Equal(t, "s1", session.ID)

	require.Len(t, coll.updates, 1)
	update := coll.updates[0].update.(bson.M)
	// The create path must be a pure $setOnInsert so an existing session is
	// never modified.
	require.Contains(t, update, "$setOnInsert")
	require.Len(t, update, 1)
}

func TestLoadSessionNotFound(t *testing.T) {
	coll := &fakeCollection{
		findOneResult: fakeSingleResult{err: mongodriver.ErrNoDocuments},
	}
	c := newFakeClient(t, coll)

	_, err := c.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, turns.ErrSessionNotFound)
}

func TestAppendTurnSessionNotFound(t *testing.T) {
	coll := &fakeCollection{
		updateResult: &mongodriver.UpdateResult{MatchedCount: 0},
	}
	c := newFakeClient(t, coll)

	err := c.AppendTurn(context.Background(), "missing", turns.UserTurn{ID: "u1"})
	require.ErrorIs(t, err, turns.ErrSessionNotFound)
}

func TestAppendResponsesBuildsArrayFilterUpdate(t *testing.T) {
	coll := &fakeCollection{}
	c := newFakeClient(t, coll)

	err := c.AppendResponses(context.Background(), "s1", "a1", turns.ResponseSynthesis, map[string][]provider.Result{
		"merger": {{ProviderID: "merger", Text: "merged", Status: provider.StatusCompleted}},
	})
	require.NoError(t, err)

	require.Len(t, coll.updates, 1)
	update := coll.updates[0].update.(bson.M)
	push := update["$push"].(bson.M)
	require.Contains(t, push, "turns.$[turn].synthesis_responses.merger")
}

func TestAppendResponsesTurnNotFound(t *testing.T) {
	coll := &fakeCollection{
		updateResult: &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 0},
	}
	c := newFakeClient(t, coll)

	err := c.AppendResponses(context.Background(), "s1", "ghost", turns.ResponseBatch, map[string][]provider.Result{
		"p": {{ProviderID: "p", Text: "x", Status: provider.StatusCompleted}},
	})
	require.ErrorIs(t, err, turns.ErrTurnNotFound)
}

func TestAppendResponsesEmptyResultsIsNoop(t *testing.T) {
	coll := &fakeCollection{}
	c := newFakeClient(t, coll)

	require.NoError(t, c.AppendResponses(context.Background(), "s1", "a1", turns.ResponseBatch, nil))
	require.Empty(t, coll.updates)
}

func TestSetProviderContextTargetsProviderField(t *testing.T) {
	coll := &fakeCollection{}
	c := newFakeClient(t, coll)

	err := c.SetProviderContext(context.Background(), "s1", "claude", provider.Meta{"token": "abc"})
	require.NoError(t, err)

	update := coll.updates[0].update.(bson.M)
	set := update["$set"].(bson.M)
	require.Contains(t, set, "provider_contexts.claude")
}

func TestListSessionsDecodesDocuments(t *testing.T) {
	coll := &fakeCollection{
		findDocs: []sessionDocument{
			{SessionID: "s1", Turns: []turnDocument{{Kind: turns.KindUser, TurnID: "u1", Text: "hi"}}},
			{SessionID: "s2"},
		},
	}
	c := newFakeClient(t, coll)

	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "s1", sessions[0].ID)
	require.Len(t, sessions[0].Turns, 1)
}

func TestTurnDocumentRoundTrip(t *testing.T) {
	ai := turns.NewAiTurn("a1", "u1", time.Now().UTC())
	ai.Append(turns.ResponseBatch, provider.Result{
		ProviderID: "claude",
		Text:       "partial",
		Status:     provider.StatusCompleted,
		Meta:       map[string]any{"token": "t"},
		SoftError:  &provider.SoftError{Name: "stream_interrupted", Message: "reset"},
	})

	doc, err := fromTurn(ai)
	require.NoError(t, err)
	back := doc.toTurn().(turns.AiTurn)

	require.Equal(t, ai.ID, back.ID)
	require.Equal(t, ai.UserTurnID, back.UserTurnID)
	got := back.BatchResponses["claude"][0]
	require.Equal(t, "partial", got.Text)
	require.NotNil(t, got.SoftError)
	require.Equal(t, "stream_interrupted", got.SoftError.Name)
}

func TestFromTurnRejectsUnknownTypes(t *testing.T) {
	_, err := fromTurn(nil)
	require.Error(t, err)
}

func TestNewRequiresClientAndDatabase(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Client: &mongodriver.Client{}})
	require.Error(t, err)
}

func TestUpdateErrorPropagates(t *testing.T) {
	coll := &fakeCollection{updateErr: errors.New("network down")}
	c := newFakeClient(t, coll)

	err := c.AppendTurn(context.Background(), "s1", turns.UserTurn{ID: "u1"})
	require.ErrorContains(t, err, "network down")
}
