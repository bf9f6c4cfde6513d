package loom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	_ Store     = (*MongoStore)(nil)
	_ TxManager = (*MongoTxManager)(nil)
)

const (
	colRuns        = "loom_runs"
	colStepStates  = "loom_step_states"
	colConfigs     = "loom_workflow_configs"
	colSettings    = "loom_settings"
	colEvents      = "loom_run_events"
	colCounters    = "loom_counters"
	settingsDocID  = "settings"
	eventCounterID = "run_events"
)

type mongoRun struct {
	ID        string    `bson:"_id"`
	FnHandle  string    `bson:"fn_handle"`
	FnName    string    `bson:"fn_name"`
	Status    string    `bson:"status"`
	Doc       string    `bson:"doc"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type mongoStepState struct {
	ID    string `bson:"_id"`
	RunID string `bson:"run_id"`
	Order int64  `bson:"ord"`
	Doc   string `bson:"doc"`
}

type mongoDoc struct {
	ID  string `bson:"_id"`
	Doc string `bson:"doc"`
}

type mongoEvent struct {
	ID        int64     `bson:"_id"`
	RunID     string    `bson:"run_id"`
	EventType string    `bson:"event_type"`
	Payload   string    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
}

// MongoStore keeps runs and their history in MongoDB. Entities are stored as
// JSON documents so free-form step outputs survive unchanged.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// Migrate creates the indexes the store queries on.
func (s *MongoStore) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colRuns: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "fn_name", Value: 1}, {Key: "_id", Value: 1}}},
		},
		colStepStates: {
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "ord", Value: 1}}},
		},
		colEvents: {
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}

	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("migrate %s indexes: %w", col, err)
		}
	}

	return nil
}

func (s *MongoStore) CreateRun(ctx context.Context, run *Run) error {
	stampRun(run, nil)
	doc, err := encodeDoc(run)
	if err != nil {
		return err
	}

	_, err = s.db.Collection(colRuns).InsertOne(ctx, mongoRun{
		ID:        run.ID,
		FnHandle:  run.FnHandle,
		FnName:    run.FnName,
		Status:    string(run.Status),
		Doc:       string(doc),
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

func (s *MongoStore) getRunModel(ctx context.Context, runID string) (*mongoRun, error) {
	var m mongoRun
	err := s.db.Collection(colRuns).FindOne(ctx, bson.M{"_id": runID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find run: %w", err)
	}

	return &m, nil
}

func (s *MongoStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	m, err := s.getRunModel(ctx, runID)
	if err != nil {
		return nil, err
	}

	return decodeDoc[Run]([]byte(m.Doc))
}

func (s *MongoStore) ReplaceRun(ctx context.Context, run *Run) error {
	existing, err := s.getRunModel(ctx, run.ID)
	if err != nil {
		return err
	}
	stampRun(run, &existing.CreatedAt)
	doc, err := encodeDoc(run)
	if err != nil {
		return err
	}

	update := bson.M{"$set": bson.M{
		"status":     string(run.Status),
		"doc":        string(doc),
		"updated_at": run.UpdatedAt,
	}}
	res, err := s.db.Collection(colRuns).UpdateOne(ctx, bson.M{"_id": run.ID}, update)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrEntityNotFound
	}

	return nil
}

func (s *MongoStore) ListRuns(ctx context.Context, filter RunFilter, cursor string, limit int) (*RunPage, error) {
	limit = pageLimit(limit)

	query := bson.M{"_id": bson.M{"$gt": cursor}}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.FnName != "" {
		query["fn_name"] = filter.FnName
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit + 1))
	cur, err := s.db.Collection(colRuns).Find(ctx, query, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer cur.Close(ctx)

	var models []mongoRun
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("list runs decode: %w", err)
	}

	runs := make([]*Run, 0, len(models))
	for i := range models {
		run, err := decodeDoc[Run]([]byte(models[i].Doc))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	page := &RunPage{IsDone: len(runs) <= limit}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	page.Runs = runs
	page.Cursor = nextCursor(runs, cursor)

	return page, nil
}

func (s *MongoStore) CountRunsByStatus(ctx context.Context) ([]RunStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cur, err := s.db.Collection(colRuns).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer cur.Close(ctx)

	var rows []struct {
		Status string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("count runs decode: %w", err)
	}

	counts := make(map[RunStatus]int, len(rows))
	for _, row := range rows {
		counts[RunStatus(row.Status)] = row.Count
	}

	return statsFromCounts(counts), nil
}

func (s *MongoStore) InsertStepState(ctx context.Context, state *StepState) error {
	state.CreatedAt = time.Now().UTC()
	doc, err := encodeDoc(state)
	if err != nil {
		return err
	}

	_, err = s.db.Collection(colStepStates).InsertOne(ctx, mongoStepState{
		ID:    state.ID,
		RunID: state.WorkflowID,
		Order: state.Order,
		Doc:   string(doc),
	})
	if err != nil {
		return fmt.Errorf("insert step state: %w", err)
	}

	return nil
}

func (s *MongoStore) GetStepState(ctx context.Context, id string) (*StepState, error) {
	var m mongoStepState
	err := s.db.Collection(colStepStates).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find step state: %w", err)
	}

	return decodeDoc[StepState]([]byte(m.Doc))
}

func (s *MongoStore) GetStepHistory(ctx context.Context, runID string) ([]*StepState, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "ord", Value: 1}})
	cur, err := s.db.Collection(colStepStates).Find(ctx, bson.M{"run_id": runID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find step history: %w", err)
	}
	defer cur.Close(ctx)

	var models []mongoStepState
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("step history decode: %w", err)
	}

	history := make([]*StepState, 0, len(models))
	for i := range models {
		state, err := decodeDoc[StepState]([]byte(models[i].Doc))
		if err != nil {
			return nil, err
		}
		history = append(history, state)
	}

	return history, nil
}

func (s *MongoStore) InsertWorkflowConfig(ctx context.Context, cfg *WorkflowConfig) error {
	cfg.CreatedAt = time.Now().UTC()
	doc, err := encodeDoc(cfg)
	if err != nil {
		return err
	}

	if _, err := s.db.Collection(colConfigs).InsertOne(ctx, mongoDoc{ID: cfg.ID, Doc: string(doc)}); err != nil {
		return fmt.Errorf("insert workflow config: %w", err)
	}

	return nil
}

func (s *MongoStore) GetWorkflowConfig(ctx context.Context, id string) (*WorkflowConfig, error) {
	m, err := s.findDoc(ctx, colConfigs, id)
	if err != nil {
		return nil, err
	}

	return decodeDoc[WorkflowConfig]([]byte(m.Doc))
}

func (s *MongoStore) GetSettings(ctx context.Context) (*Settings, error) {
	m, err := s.findDoc(ctx, colSettings, settingsDocID)
	if err != nil {
		return nil, err
	}

	return decodeDoc[Settings]([]byte(m.Doc))
}

func (s *MongoStore) SaveSettings(ctx context.Context, settings *Settings) error {
	doc, err := encodeDoc(settings)
	if err != nil {
		return err
	}

	_, err = s.db.Collection(colSettings).ReplaceOne(ctx,
		bson.M{"_id": settingsDocID},
		mongoDoc{ID: settingsDocID, Doc: string(doc)},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	return nil
}

func (s *MongoStore) findDoc(ctx context.Context, col, id string) (*mongoDoc, error) {
	var m mongoDoc
	err := s.db.Collection(col).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", col, err)
	}

	return &m, nil
}

func (s *MongoStore) LogEvent(ctx context.Context, runID string, eventType string, payload any) error {
	doc, err := encodeDoc(payload)
	if err != nil {
		return err
	}

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err = s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": eventCounterID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return fmt.Errorf("next event id: %w", err)
	}

	_, err = s.db.Collection(colEvents).InsertOne(ctx, mongoEvent{
		ID:        counter.Seq,
		RunID:     runID,
		EventType: eventType,
		Payload:   string(doc),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

func (s *MongoStore) GetRunEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.db.Collection(colEvents).Find(ctx, bson.M{"run_id": runID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer cur.Close(ctx)

	var models []mongoEvent
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("events decode: %w", err)
	}

	events := make([]*RunEvent, 0, len(models))
	for _, m := range models {
		events = append(events, &RunEvent{
			ID:        m.ID,
			RunID:     m.RunID,
			EventType: m.EventType,
			Payload:   []byte(m.Payload),
			CreatedAt: m.CreatedAt,
		})
	}

	return events, nil
}

// MongoTxManager runs fn inside a multi-document transaction. It needs a
// replica set or sharded cluster.
type MongoTxManager struct {
	client *mongo.Client
}

type mongoTx struct {
	session *mongo.Session
}

func NewMongoTxManager(client *mongo.Client) *MongoTxManager {
	return &MongoTxManager{client: client}
}

func (m *MongoTxManager) ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error {
	return runInTx(ctx, func(ctx context.Context) (context.Context, func() error, func(), error) {
		session, err := m.client.StartSession()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("start session: %w", err)
		}
		if err := session.StartTransaction(); err != nil {
			session.EndSession(ctx)

			return nil, nil, nil, fmt.Errorf("start transaction: %w", err)
		}

		txCtx := withTx(mongo.NewSessionContext(ctx, session), mongoTx{session: session})
		commit := func() error {
			err := session.CommitTransaction(txCtx)
			if err == nil {
				session.EndSession(ctx)
			}

			return err
		}
		rollback := func() {
			_ = session.AbortTransaction(context.WithoutCancel(ctx))
			session.EndSession(ctx)
		}

		return txCtx, commit, rollback, nil
	}, fn)
}
