// Package store persists phase summaries to MongoDB.
package store

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/llnhnv/perftest-bench/internal/stats"
)

var logger = log.WithFields(log.Fields{"pkg": "store"})

const (
	LatencyCollection    = "latency_summaries"
	ThroughputCollection = "throughput_summaries"
)

// Run identifies the process whose summaries are stored.
type Run struct {
	ID        string
	Role      string // publisher or subscriber
	EntityID  int
	Transport string
}

type LatencyDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	RunID     string             `bson:"runId"`
	Role      string             `bson:"role"`
	EntityID  int                `bson:"entityId"`
	Transport string             `bson:"transport"`
	CreatedAt time.Time          `bson:"createdAt"`

	stats.LatencySummary `bson:",inline"`
}

type ThroughputDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	RunID     string             `bson:"runId"`
	Role      string             `bson:"role"`
	EntityID  int                `bson:"entityId"`
	Transport string             `bson:"transport"`
	CreatedAt time.Time          `bson:"createdAt"`

	stats.ThroughputSummary `bson:",inline"`
	PacketsPerSec           uint64  `bson:"packets_per_sec"`
	Mbps                    float64 `bson:"mbps"`
}

func NewLatencyDoc(run Run, s stats.LatencySummary, at time.Time) LatencyDoc {
	return LatencyDoc{
		RunID:          run.ID,
		Role:           run.Role,
		EntityID:       run.EntityID,
		Transport:      run.Transport,
		CreatedAt:      at.UTC(),
		LatencySummary: s,
	}
}

func NewThroughputDoc(run Run, s stats.ThroughputSummary, at time.Time) ThroughputDoc {
	return ThroughputDoc{
		RunID:             run.ID,
		Role:              run.Role,
		EntityID:          run.EntityID,
		Transport:         run.Transport,
		CreatedAt:         at.UTC(),
		ThroughputSummary: s,
		PacketsPerSec:     s.PacketsPerSec(),
		Mbps:              s.Mbps(),
	}
}

// Mongo stores summaries of one run. It satisfies perftest.SummarySink.
type Mongo struct {
	client     *mongo.Client
	latency    *mongo.Collection
	throughput *mongo.Collection
	run        Run
	now        func() time.Time
}

// Connect dials uri, checks the primary is reachable and makes sure the runId
// indexes exist.
func Connect(ctx context.Context, uri, database string, run Run) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:     client,
		latency:    db.Collection(LatencyCollection),
		throughput: db.Collection(ThroughputCollection),
		run:        run,
		now:        time.Now,
	}

	index := mongo.IndexModel{Keys: bson.D{{Key: "runId", Value: 1}, {Key: "createdAt", Value: 1}}}
	for _, coll := range []*mongo.Collection{m.latency, m.throughput} {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			logger.WithError(err).WithField("collection", coll.Name()).Warn("Creating index failed")
		}
	}

	logger.WithFields(log.Fields{"database": database, "run": run.ID}).Info("Storing summaries in MongoDB")
	return m, nil
}

func (m *Mongo) SaveLatency(ctx context.Context, s stats.LatencySummary) error {
	if _, err := m.latency.InsertOne(ctx, NewLatencyDoc(m.run, s, m.now())); err != nil {
		return fmt.Errorf("insert latency summary: %w", err)
	}
	return nil
}

func (m *Mongo) SaveThroughput(ctx context.Context, s stats.ThroughputSummary) error {
	if _, err := m.throughput.InsertOne(ctx, NewThroughputDoc(m.run, s, m.now())); err != nil {
		return fmt.Errorf("insert throughput summary: %w", err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
