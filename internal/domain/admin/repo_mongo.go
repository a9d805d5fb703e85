package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCollection = "admins"

type adminRepoMongo struct {
	coll *mongo.Collection
}

func NewMongoRepo(db *mongo.Database) Repository {
	return &adminRepoMongo{coll: db.Collection(mongoCollection)}
}

// EnsureMongoIndexes creates the unique email index. It is safe to call on
// every start.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(mongoCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("admins_email_unique"),
	})
	if err != nil {
		return fmt.Errorf("create admin indexes: %w", err)
	}
	return nil
}

type mongoAdmin struct {
	ID    string `bson:"_id"`
	Admin `bson:",inline"`
}

func (r *adminRepoMongo) Create(ctx context.Context, a *Admin) error {
	a.ID = uuid.New()
	a.Email = NormalizeEmail(a.Email)
	a.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)

	_, err := r.coll.InsertOne(ctx, mongoAdmin{ID: a.ID.String(), Admin: *a})
	if mongo.IsDuplicateKeyError(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	return nil
}

func (r *adminRepoMongo) GetByEmail(ctx context.Context, email string) (*Admin, error) {
	var rec mongoAdmin
	err := r.coll.FindOne(ctx, bson.M{"email": NormalizeEmail(email)}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}

	a, err := rec.toAdmin()
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return a, nil
}

func (r *adminRepoMongo) List(ctx context.Context) ([]*Admin, error) {
	cur, err := r.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer cur.Close(ctx)

	out := []*Admin{}
	for cur.Next(ctx) {
		var rec mongoAdmin
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("list admins: %w", err)
		}
		a, err := rec.toAdmin()
		if err != nil {
			return nil, fmt.Errorf("list admins: %w", err)
		}
		out = append(out, a)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return out, nil
}

func (rec mongoAdmin) toAdmin() (*Admin, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("stored id %q: %w", rec.ID, err)
	}
	a := rec.Admin
	a.ID = id
	return &a, nil
}

func (r *adminRepoMongo) CountByRole(ctx context.Context, role string) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"role": role})
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return n, nil
}
