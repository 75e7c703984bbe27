package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoPoolSize = 100
	defaultMongoRetry    = 3
	mongoRetryWait       = 500 * time.Millisecond
)

// MongoConfig configures the MongoDB backend
type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	MaxRetry    int
}

type mongoMessage struct {
	ID        primitive.ObjectID `bson:"_id"`
	Sender    string             `bson:"sender"`
	Recipient string             `bson:"recipient"`
	Content   string             `bson:"content"`
	CreatedAt int64              `bson:"createdAt"`
}

type mongoUser struct {
	Username  string `bson:"username"`
	Role      string `bson:"role"`
	CreatedAt int64  `bson:"createdAt"`
}

// MongoStore is the MongoDB-backed Store
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	users    *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// OpenMongo connects, pings and ensures indexes.
func OpenMongo(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = defaultMongoPoolSize
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = defaultMongoRetry
	}

	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(cfg.MaxPoolSize)

	var (
		client *mongo.Client
		err    error
	)
retry:
	for i := 0; i < cfg.MaxRetry; i++ {
		client, err = connectMongo(ctx, opts)
		if err == nil || i == cfg.MaxRetry-1 {
			break
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(mongoRetryWait):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:   client,
		messages: db.Collection("messages"),
		users:    db.Collection("users"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create user index: %w", err)
	}

	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "recipient", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateMessage(ctx context.Context, sender, recipient, content string) (*Message, error) {
	doc := mongoMessage{
		ID:        primitive.NewObjectID(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		CreatedAt: nowMillis(),
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return doc.toMessage(), nil
}

func (s *MongoStore) FindConversation(ctx context.Context, userA, userB string, page Page) ([]*Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender": userA, "recipient": userB},
		bson.M{"sender": userB, "recipient": userA},
	}}
	return s.find(ctx, filter, page)
}

func (s *MongoStore) FindAllFor(ctx context.Context, username string, page Page) ([]*Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender": username},
		bson.M{"recipient": username},
	}}
	return s.find(ctx, filter, page)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, page Page) ([]*Message, error) {
	if page.Before > 0 {
		filter = bson.M{"$and": bson.A{filter, bson.M{"createdAt": bson.M{"$lt": page.Before}}}}
	}

	opts := options.Find()
	newestFirst := page.Limit > 0
	if newestFirst {
		opts.SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).SetLimit(int64(page.Limit))
	} else {
		opts.SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	}

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	out := make([]*Message, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toMessage())
	}
	if newestFirst {
		reverse(out)
	}
	return out, nil
}

func (s *MongoStore) ResolveUser(ctx context.Context, username string) (*User, error) {
	var doc mongoUser
	err := s.users.FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	role, err := ParseRole(doc.Role)
	if err != nil {
		return nil, err
	}
	return &User{Username: doc.Username, Role: role, CreatedAt: doc.CreatedAt}, nil
}

func (s *MongoStore) UpsertUser(ctx context.Context, username string, role Role) error {
	if role != RoleAdmin && role != RoleUser {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	_, err := s.users.UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{
			"$setOnInsert": bson.M{"username": username, "createdAt": nowMillis()},
			"$set":         bson.M{"role": string(role)},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (d *mongoMessage) toMessage() *Message {
	return &Message{
		ID:        d.ID.Hex(),
		Sender:    d.Sender,
		Recipient: d.Recipient,
		Content:   d.Content,
		CreatedAt: d.CreatedAt,
	}
}
