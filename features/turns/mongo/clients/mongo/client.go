// Package mongo hosts the MongoDB client used by the turns store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/turns"
)

const (
	defaultSessionsCollection = "chorus_sessions"
	defaultOpTimeout          = 5 * time.Second
	turnsClientName           = "turns-mongo"
)

// Client exposes Mongo-backed operations for session histories.
type Client interface {
	health.Pinger

	EnsureSession(ctx context.Context, sessionID string, createdAt time.Time) (turns.Session, error)
	LoadSession(ctx context.Context, sessionID string) (turns.Session, error)
	AppendTurn(ctx context.Context, sessionID string, turn turns.Turn) error
	AppendResponses(ctx context.Context, sessionID, aiTurnID string, kind turns.ResponseKind, results map[string][]provider.Result) error
	SetProviderContext(ctx context.Context, sessionID, providerID string, meta provider.Meta) error
	ProviderContexts(ctx context.Context, sessionID string) (map[string]provider.Meta, error)
	ReplaceSession(ctx context.Context, session turns.Session) error
	ListSessions(ctx context.Context) ([]turns.Session, error)
}

// Options configures the Mongo turns client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collectionName)
	wrapper := mongoCollection{coll: coll}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return turnsClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) EnsureSession(ctx context.Context, sessionID string, createdAt time.Time) (turns.Session, error) {
	if sessionID == "" {
		return turns.Session{}, errors.New("session id is required")
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	now := time.Now().UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		// Idempotent insert: EnsureSession must never modify an existing
		// session. Keeping this as a pure $setOnInsert update makes it safe
		// under retries and races.
		"$setOnInsert": bson.M{
			"session_id":        sessionID,
			"created_at":        createdAt.UTC(),
			"updated_at":        now,
			"turns":             bson.A{},
			"provider_contexts": bson.M{},
		},
	}
	if _, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update, options.Update().SetUpsert(true)); err != nil {
		return turns.Session{}, err
	}
	return c.LoadSession(ctx, sessionID)
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (turns.Session, error) {
	if sessionID == "" {
		return turns.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return turns.Session{}, turns.ErrSessionNotFound
		}
		return turns.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) AppendTurn(ctx context.Context, sessionID string, turn turns.Turn) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	doc, err := fromTurn(turn)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$push": bson.M{"turns": doc},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	res, err := c.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return turns.ErrSessionNotFound
	}
	return nil
}

func (c *client) AppendResponses(ctx context.Context, sessionID, aiTurnID string, kind turns.ResponseKind, results map[string][]provider.Result) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if aiTurnID == "" {
		return errors.New("turn id is required")
	}
	field := bucketField(kind)
	if field == "" {
		return errors.New("unknown response kind")
	}
	push := bson.M{}
	for providerID, attempts := range results {
		docs := make(bson.A, 0, len(attempts))
		for _, res := range attempts {
			docs = append(docs, fromResult(res))
		}
		push["turns.$[turn]."+field+"."+providerID] = bson.M{"$each": docs}
	}
	if len(push) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$push": push,
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"turn.turn_id": aiTurnID, "turn.kind": turns.KindAI}},
	})
	res, err := c.sessions.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return turns.ErrSessionNotFound
	}
	if res.ModifiedCount == 0 {
		return turns.ErrTurnNotFound
	}
	return nil
}

func (c *client) SetProviderContext(ctx context.Context, sessionID, providerID string, meta provider.Meta) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if providerID == "" {
		return errors.New("provider id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$set": bson.M{
			"provider_contexts." + providerID: meta,
			"updated_at":                      time.Now().UTC(),
		},
	}
	res, err := c.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return turns.ErrSessionNotFound
	}
	return nil
}

func (c *client) ProviderContexts(ctx context.Context, sessionID string) (map[string]provider.Meta, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	out := make(map[string]provider.Meta, len(doc.Contexts))
	for id, meta := range doc.Contexts {
		out[id] = provider.Meta(meta)
	}
	return out, nil
}

func (c *client) ReplaceSession(ctx context.Context, session turns.Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	doc, err := fromSession(session)
	if err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": session.ID}
	_, err = c.sessions.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) ListSessions(ctx context.Context) ([]turns.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.sessions.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []turns.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func bucketField(kind turns.ResponseKind) string {
	switch kind {
	case turns.ResponseBatch:
		return "batch_responses"
	case turns.ResponseMapping:
		return "mapping_responses"
	case turns.ResponseSynthesis:
		return "synthesis_responses"
	}
	return ""
}

func ensureIndexes(ctx context.Context, sessionsColl collection) error {
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	turnIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "turns.turn_id", Value: 1}},
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, turnIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, sessionsColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessionsColl,
		timeout:  timeout,
	}, nil
}
