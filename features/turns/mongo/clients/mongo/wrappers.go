package mongo

import (
	"context"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// collection abstracts the subset of *mongo.Collection the client uses so
	// tests can substitute fakes without a running server.
	collection interface {
		FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) singleResult
		Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (cursor, error)
		UpdateOne(ctx context.Context, filter, update interface{}, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
		ReplaceOne(ctx context.Context, filter, replacement interface{}, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
		Indexes() indexView
	}

	singleResult interface {
		Decode(v interface{}) error
	}

	cursor interface {
		Next(ctx context.Context) bool
		Decode(v interface{}) error
		Err() error
		Close(ctx context.Context) error
	}

	indexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}

	mongoIndexView struct {
		view mongodriver.IndexView
	}
)

func (c mongoCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update interface{}, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement interface{}, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
