package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ahmethakanbesel/barwatch/internal/candle"
	domain "github.com/ahmethakanbesel/barwatch/internal/event"
)

const CollectionName = "resistance_events"

// MongoRepository stores events in a MongoDB collection with a unique index
// on (instrument, timeframe, event_timestamp).
type MongoRepository struct {
	coll *mongo.Collection
}

var _ domain.Repository = (*MongoRepository)(nil)

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(CollectionName)}
}

// EnsureIndexes creates the uniqueness and lookup indexes.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "instrument", Value: 1},
				{Key: "timeframe", Value: 1},
				{Key: "event_timestamp", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_instrument_timeframe_ts"),
		},
		{
			Keys:    bson.D{{Key: "detected_at", Value: -1}},
			Options: options.Index().SetName("idx_detected_at"),
		},
	})
	if err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository) Save(ctx context.Context, e *domain.Event) (domain.Outcome, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	doc, err := toDocument(e)
	if err != nil {
		return 0, fmt.Errorf("save event: %w", err)
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.Duplicate, nil
		}
		return 0, fmt.Errorf("save event: %w", err)
	}
	return domain.Created, nil
}

func (r *MongoRepository) List(ctx context.Context, f domain.ListFilter) ([]domain.Event, error) {
	filter := bson.M{}
	if f.Instrument != "" {
		filter["instrument"] = f.Instrument
	}
	if f.Timeframe != "" {
		filter["timeframe"] = string(f.Timeframe)
	}
	ts := bson.M{}
	if !f.From.IsZero() {
		ts["$gte"] = f.From.UTC()
	}
	if !f.To.IsZero() {
		ts["$lt"] = f.To.UTC()
	}
	if len(ts) > 0 {
		filter["event_timestamp"] = ts
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.M{"event_timestamp": 1})

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var events []domain.Event
	for cursor.Next(ctx) {
		var doc eventDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		e, err := doc.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, cursor.Err()
}

type eventDocument struct {
	ID             string    `bson:"_id"`
	EventType      string    `bson:"event_type"`
	Instrument     string    `bson:"instrument"`
	Timeframe      string    `bson:"timeframe"`
	EventTimestamp time.Time `bson:"event_timestamp"`

	GreenOpen   primitive.Decimal128 `bson:"green_open"`
	GreenHigh   primitive.Decimal128 `bson:"green_high"`
	GreenLow    primitive.Decimal128 `bson:"green_low"`
	GreenClose  primitive.Decimal128 `bson:"green_close"`
	GreenVolume int64                `bson:"green_volume"`

	RedOpen   primitive.Decimal128 `bson:"red_open"`
	RedHigh   primitive.Decimal128 `bson:"red_high"`
	RedLow    primitive.Decimal128 `bson:"red_low"`
	RedClose  primitive.Decimal128 `bson:"red_close"`
	RedVolume int64                `bson:"red_volume"`

	ResistanceLevel   primitive.Decimal128  `bson:"resistance_level"`
	ReboundAmplitude  primitive.Decimal128  `bson:"rebound_amplitude"`
	ReboundPercentage primitive.Decimal128  `bson:"rebound_percentage"`
	ATRValue          *primitive.Decimal128 `bson:"atr_value,omitempty"`
	ReboundInATR      *primitive.Decimal128 `bson:"rebound_in_atr,omitempty"`

	DayOfWeek           int       `bson:"day_of_week"`
	HourOfDay           int       `bson:"hour_of_day"`
	DetectedAt          time.Time `bson:"detected_at"`
	ProcessingLatencyMs float64   `bson:"processing_latency_ms"`
}

var errDecimal = errors.New("invalid decimal")

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("%w %s: %w", errDecimal, d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w %s: %w", errDecimal, v, err)
	}
	return d, nil
}

func toDocument(e *domain.Event) (*eventDocument, error) {
	doc := &eventDocument{
		ID:                  e.ID,
		EventType:           string(e.EventType),
		Instrument:          e.Instrument,
		Timeframe:           string(e.Timeframe),
		EventTimestamp:      e.EventTimestamp.UTC(),
		GreenVolume:         e.GreenVolume,
		RedVolume:           e.RedVolume,
		DayOfWeek:           e.DayOfWeek,
		HourOfDay:           e.HourOfDay,
		DetectedAt:          e.DetectedAt.UTC(),
		ProcessingLatencyMs: e.ProcessingLatencyMs,
	}

	fields := []struct {
		dst *primitive.Decimal128
		src decimal.Decimal
	}{
		{&doc.GreenOpen, e.GreenOpen}, {&doc.GreenHigh, e.GreenHigh}, {&doc.GreenLow, e.GreenLow}, {&doc.GreenClose, e.GreenClose},
		{&doc.RedOpen, e.RedOpen}, {&doc.RedHigh, e.RedHigh}, {&doc.RedLow, e.RedLow}, {&doc.RedClose, e.RedClose},
		{&doc.ResistanceLevel, e.ResistanceLevel}, {&doc.ReboundAmplitude, e.ReboundAmplitude}, {&doc.ReboundPercentage, e.ReboundPercentage},
	}
	for _, f := range fields {
		v, err := toDecimal128(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	if e.ATRValue.Valid {
		v, err := toDecimal128(e.ATRValue.Decimal)
		if err != nil {
			return nil, err
		}
		doc.ATRValue = &v
	}
	if e.ReboundInATR.Valid {
		v, err := toDecimal128(e.ReboundInATR.Decimal)
		if err != nil {
			return nil, err
		}
		doc.ReboundInATR = &v
	}
	return doc, nil
}

func (doc *eventDocument) toEvent() (domain.Event, error) {
	e := domain.Event{
		ID:                  doc.ID,
		EventType:           domain.Type(doc.EventType),
		Instrument:          doc.Instrument,
		Timeframe:           candle.Timeframe(doc.Timeframe),
		EventTimestamp:      doc.EventTimestamp.UTC(),
		GreenVolume:         doc.GreenVolume,
		RedVolume:           doc.RedVolume,
		DayOfWeek:           doc.DayOfWeek,
		HourOfDay:           doc.HourOfDay,
		DetectedAt:          doc.DetectedAt.UTC(),
		ProcessingLatencyMs: doc.ProcessingLatencyMs,
	}

	fields := []struct {
		dst *decimal.Decimal
		src primitive.Decimal128
	}{
		{&e.GreenOpen, doc.GreenOpen}, {&e.GreenHigh, doc.GreenHigh}, {&e.GreenLow, doc.GreenLow}, {&e.GreenClose, doc.GreenClose},
		{&e.RedOpen, doc.RedOpen}, {&e.RedHigh, doc.RedHigh}, {&e.RedLow, doc.RedLow}, {&e.RedClose, doc.RedClose},
		{&e.ResistanceLevel, doc.ResistanceLevel}, {&e.ReboundAmplitude, doc.ReboundAmplitude}, {&e.ReboundPercentage, doc.ReboundPercentage},
	}
	for _, f := range fields {
		d, err := fromDecimal128(f.src)
		if err != nil {
			return e, err
		}
		*f.dst = d
	}

	if doc.ATRValue != nil {
		d, err := fromDecimal128(*doc.ATRValue)
		if err != nil {
			return e, err
		}
		e.ATRValue = decimal.NewNullDecimal(d)
	}
	if doc.ReboundInATR != nil {
		d, err := fromDecimal128(*doc.ReboundInATR)
		if err != nil {
			return e, err
		}
		e.ReboundInATR = decimal.NewNullDecimal(d)
	}
	return e, nil
}
