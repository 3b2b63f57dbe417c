package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// MongoStore: _id документа: uid, слияние по путям через $set.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func OpenMongo(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, unavailable("ping", err)
	}
	return &MongoStore{client: client, coll: client.Database(database).Collection(collection)}, nil
}

func (s *MongoStore) GetUser(ctx context.Context, uid string) (Document, error) {
	var raw bson.M
	err := s.coll.FindOne(ctx, bson.M{FieldID: uid}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return withID(fromBSON(raw), uid), nil
}

// codePathNotViable: $set по пути, который проходит через не-объект.
const codePathNotViable = 28

func (s *MongoStore) MergeUser(ctx context.Context, uid string, f Fields) error {
	err := s.set(ctx, uid, f)
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codePathNotViable) {
		// старая форма записи (например, "progress.3": true): перечитываем
		// документ и пишем такие значения картой
		doc, gerr := s.GetUser(ctx, uid)
		if gerr != nil {
			return gerr
		}
		err = s.set(ctx, uid, rebaseFields(doc, f))
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return unavailable("merge user", err)
	}
	return err
}

func (s *MongoStore) set(ctx context.Context, uid string, f Fields) error {
	set := bson.M{}
	for k, v := range f {
		set[k] = v
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{FieldID: uid}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CreateUser(ctx context.Context, uid string, doc Document) error {
	d := bson.M{}
	for k, v := range doc {
		d[k] = v
	}
	d[FieldID] = uid
	if _, err := s.coll.InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return unavailable("create user", err)
	}
	return nil
}

func (s *MongoStore) QueryUsers(ctx context.Context, field string, value any) ([]Document, error) {
	cur, err := s.coll.Find(ctx, bson.M{field: value}, options.Find().SetSort(bson.D{{Key: FieldID, Value: 1}}))
	if err != nil {
		return nil, unavailable("query users", err)
	}
	defer cur.Close(ctx)

	var out []Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, malformed("query users", err)
		}
		doc := fromBSON(raw)
		doc[FieldID] = fmt.Sprint(raw[FieldID])
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, unavailable("query users", err)
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// fromBSON приводит вложенные bson-типы к обычным картам, срезам и time.Time.
func fromBSON(m bson.M) Document {
	out := Document{}
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch x := v.(type) {
	case bson.M:
		return map[string]any(fromBSON(x))
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = plainValue(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(x))
		for i := range x {
			out[i] = plainValue(x[i])
		}
		return out
	case bson.DateTime:
		return x.Time().UTC()
	}
	return v
}
