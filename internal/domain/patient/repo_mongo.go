package patient

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCollection = "patients"

type patientRepoMongo struct {
	coll   *mongo.Collection
	now    func() time.Time
	logger zerolog.Logger
}

func NewMongoRepo(db *mongo.Database, logger zerolog.Logger) PatientRepository {
	return &patientRepoMongo{
		coll:   db.Collection(mongoCollection),
		now:    mongoNow,
		logger: logger.With().Str("component", "patient_store").Logger(),
	}
}

// Mongo stores millisecond precision; truncating keeps returned values
// equal to what a later read yields.
func mongoNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

type mongoPatient struct {
	ID      string `bson:"_id"`
	Patient `bson:",inline"`
}

func (r *mongoPatient) toPatient() (*Patient, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}
	p := r.Patient
	p.ID = id
	return &p, nil
}

func (r *patientRepoMongo) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now

	if _, err := r.coll.InsertOne(ctx, mongoPatient{ID: p.ID.String(), Patient: *p}); err != nil {
		return storeErr("create", err)
	}
	return nil
}

func (r *patientRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var rec mongoPatient
	err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	p, err := rec.toPatient()
	if err != nil {
		return nil, storeErr("get", err)
	}
	return p, nil
}

func (r *patientRepoMongo) List(ctx context.Context) ([]*Patient, error) {
	return r.find(ctx, "list", bson.M{})
}

func (r *patientRepoMongo) Search(ctx context.Context, f SearchFilters) ([]*Patient, error) {
	return r.find(ctx, "search", mongoSearchFilter(f))
}

// mongoSearchFilter matches each non-empty filter as a literal,
// case-insensitive substring.
func mongoSearchFilter(f SearchFilters) bson.M {
	filter := bson.M{}
	for _, kv := range f.fields() {
		if kv[1] == "" {
			continue
		}
		filter[kv[0]] = primitive.Regex{Pattern: regexp.QuoteMeta(kv[1]), Options: "i"}
	}
	return filter
}

func (r *patientRepoMongo) find(ctx context.Context, op string, filter bson.M) ([]*Patient, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer cur.Close(ctx)

	return r.decodeAll(ctx, op, cur)
}

// decodeAll reads every record off cur. Records written with a non-UUID
// _id, such as ObjectIds from the previous service, are not addressable by
// the API; they are left out and counted in a warning.
func (r *patientRepoMongo) decodeAll(ctx context.Context, op string, cur *mongo.Cursor) ([]*Patient, error) {
	var out []*Patient
	var skipped []string
	for cur.Next(ctx) {
		var rec mongoPatient
		if err := cur.Decode(&rec); err != nil {
			return nil, storeErr(op, err)
		}
		p, err := rec.toPatient()
		if err != nil {
			skipped = append(skipped, rec.ID)
			continue
		}
		out = append(out, p)
	}
	if err := cur.Err(); err != nil {
		return nil, storeErr(op, err)
	}

	if len(skipped) > 0 {
		r.logger.Warn().
			Str("op", op).
			Int("skipped", len(skipped)).
			Str("first_id", skipped[0]).
			Msg("records with non-UUID _id left out of results")
	}
	return out, nil
}

func (r *patientRepoMongo) Update(ctx context.Context, p *Patient) error {
	prev := p.UpdatedAt
	p.UpdatedAt = r.now()

	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": p.ID.String()}, mongoPatient{ID: p.ID.String(), Patient: *p})
	if err != nil {
		p.UpdatedAt = prev
		return storeErr("update", err)
	}
	if res.MatchedCount == 0 {
		p.UpdatedAt = prev
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoMongo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return storeErr("delete", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
