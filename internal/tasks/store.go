package tasks

import (
	"context"

	"github.com/meepleai/meeple-backend/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TaskStore records the lifecycle of scheduled pipeline work for
// operator inspection.
type TaskStore interface {
	Create(ctx context.Context, task *models.TaskRecord) error
	GetByID(ctx context.Context, id string) (*models.TaskRecord, error)
	ListByDocument(ctx context.Context, documentID string) ([]*models.TaskRecord, error)
	Update(ctx context.Context, task *models.TaskRecord) error
}

// MongoTaskStore implements TaskStore over a MongoDB collection.
type MongoTaskStore struct {
	collection *mongo.Collection
}

// NewMongoTaskStore creates a MongoTaskStore.
func NewMongoTaskStore(db *mongo.Database, collectionName string) *MongoTaskStore {
	return &MongoTaskStore{collection: db.Collection(collectionName)}
}

// Create inserts a new task record.
func (s *MongoTaskStore) Create(ctx context.Context, task *models.TaskRecord) error {
	_, err := s.collection.InsertOne(ctx, task)
	return err
}

// GetByID retrieves a task by its id, or nil when absent.
func (s *MongoTaskStore) GetByID(ctx context.Context, id string) (*models.TaskRecord, error) {
	var task models.TaskRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&task)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// ListByDocument retrieves every task scheduled for one document, newest
// first.
func (s *MongoTaskStore) ListByDocument(ctx context.Context, documentID string) ([]*models.TaskRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "submitted_at", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.M{"document_id": documentID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var tasks []*models.TaskRecord
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Update persists the task's status fields.
func (s *MongoTaskStore) Update(ctx context.Context, task *models.TaskRecord) error {
	filter := bson.M{"_id": task.ID}
	update := bson.M{
		"$set": bson.M{
			"status":       task.Status,
			"error":        task.Error,
			"started_at":   task.StartedAt,
			"completed_at": task.CompletedAt,
		},
	}
	_, err := s.collection.UpdateOne(ctx, filter, update)
	return err
}

// NoopTaskStore discards task records. Used when the audit store is not
// configured (tests, local development).
type NoopTaskStore struct{}

func (NoopTaskStore) Create(ctx context.Context, task *models.TaskRecord) error { return nil }
func (NoopTaskStore) GetByID(ctx context.Context, id string) (*models.TaskRecord, error) {
	return nil, nil
}
func (NoopTaskStore) ListByDocument(ctx context.Context, documentID string) ([]*models.TaskRecord, error) {
	return nil, nil
}
func (NoopTaskStore) Update(ctx context.Context, task *models.TaskRecord) error { return nil }

var (
	_ TaskStore = (*MongoTaskStore)(nil)
	_ TaskStore = NoopTaskStore{}
)
