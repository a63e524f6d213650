// Package mongosource polls a MongoDB collection used as a job table.
//
// Each poll claims up to MaxMessages documents, oldest _id first, by moving
// their status from pending to processing with FindOneAndUpdate. A completed
// exchange marks its document done. A failed one puts it back to pending with
// its attempt count raised, or marks it failed once MaxAttempts is reached.
package mongosource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jpalmerr/intake"
	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/uow"
)

const defaultMaxMessages = 10

// Document statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Document fields written by the source.
const (
	FieldStatus    = "status"
	FieldAttempts  = "attempts"
	FieldClaimedAt = "claimed_at"
	FieldUpdatedAt = "updated_at"
)

// HeaderID carries the claimed document's _id.
const HeaderID = "mongo_id"

// Config configures a [Source].
type Config struct {
	// URI is a mongodb:// or mongodb+srv:// URI. Ignored when Client is set.
	URI string

	Database   string
	Collection string

	// MaxMessages bounds the documents claimed per poll. Defaults to 10.
	MaxMessages int

	// MaxAttempts marks a document failed after that many failed exchanges.
	// Zero retries forever.
	MaxAttempts int

	// Client is an optional existing client.
	Client *mongo.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Source is an [intake.Poller] over a MongoDB collection.
type Source struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	client     *mongo.Client
	ownClient  bool
	collection *mongo.Collection
}

// New validates cfg and creates a [Source]. Without cfg.Client the
// connection is opened on the first poll.
func New(cfg Config) (*Source, error) {
	if cfg.Database == "" {
		return nil, errors.New("mongosource: database is required")
	}
	if cfg.Collection == "" {
		return nil, errors.New("mongosource: collection is required")
	}
	if cfg.Client == nil {
		if cfg.URI == "" {
			return nil, errors.New("mongosource: uri or client is required")
		}
		if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
			return nil, fmt.Errorf("mongosource: uri %q must use mongodb or mongodb+srv scheme", cfg.URI)
		}
	}
	if cfg.MaxMessages < 0 {
		return nil, errors.New("mongosource: max messages cannot be negative")
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = defaultMaxMessages
	}
	if cfg.MaxAttempts < 0 {
		return nil, errors.New("mongosource: max attempts cannot be negative")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{cfg: cfg, logger: logger, now: time.Now, client: cfg.Client}, nil
}

func (s *Source) coll(ctx context.Context) (*mongo.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collection != nil {
		return s.collection, nil
	}
	if s.client == nil {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.cfg.URI))
		if err != nil {
			return nil, fmt.Errorf("mongosource: connect: %w", err)
		}
		s.client = client
		s.ownClient = true
	}
	s.collection = s.client.Database(s.cfg.Database).Collection(s.cfg.Collection)
	return s.collection, nil
}

// Poll implements [intake.Poller].
func (s *Source) Poll(ctx context.Context, d intake.Dispatcher) (int, error) {
	coll, err := s.coll(ctx)
	if err != nil {
		return 0, err
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	n := 0
	for n < s.cfg.MaxMessages {
		var doc bson.M
		err := coll.FindOneAndUpdate(ctx, claimFilter(), claimUpdate(s.now()), opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("mongosource: claim from %q: %w", s.cfg.Collection, err)
		}

		index := n
		_ = d.Dispatch(ctx, func(ex *exchange.Exchange) {
			msg := exchange.NewMessage()
			msg.SetBody(doc)
			msg.SetHeader(HeaderID, doc["_id"])
			if id, ok := doc["_id"].(interface{ Hex() string }); ok {
				msg.SetMessageID(id.Hex())
			}
			ex.SetIn(msg)
			ex.SetInternalProperty(exchange.PropertyBatchIndex, index)
			if a := attempts(doc); a > 0 {
				ex.SetInternalProperty(exchange.PropertyRedeliveryCounter, a)
			}
		}, s.settle(ctx, coll, doc))
		n++
	}
	return n, nil
}

// settle returns the synchronization recording the outcome on the document.
func (s *Source) settle(ctx context.Context, coll *mongo.Collection, doc bson.M) uow.Synchronization {
	id := doc["_id"]
	return uow.SynchronizationFuncs{
		Complete: func(ex *exchange.Exchange) {
			if _, err := coll.UpdateByID(ctx, id, completeUpdate(s.now())); err != nil {
				s.logger.Warn("failed to mark document done",
					"id", id,
					"exchange_id", ex.ID(),
					"error", err,
				)
			}
		},
		Failure: func(ex *exchange.Exchange) {
			update := failureUpdate(attempts(doc), s.cfg.MaxAttempts, s.now())
			if _, err := coll.UpdateByID(ctx, id, update); err != nil {
				s.logger.Warn("failed to release document",
					"id", id,
					"exchange_id", ex.ID(),
					"error", err,
				)
			}
		},
	}
}

// Recover returns every document left in processing to pending and reports
// how many were changed. Call it before the consumer starts.
func (s *Source) Recover(ctx context.Context) (int64, error) {
	coll, err := s.coll(ctx)
	if err != nil {
		return 0, err
	}
	res, err := coll.UpdateMany(ctx, bson.M{FieldStatus: StatusProcessing}, recoverUpdate(s.now()))
	if err != nil {
		return 0, fmt.Errorf("mongosource: recover: %w", err)
	}
	return res.ModifiedCount, nil
}

// Close disconnects the client if the source created it.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ownClient || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Disconnect(ctx)
	s.client = nil
	s.collection = nil
	s.ownClient = false
	if err != nil {
		return fmt.Errorf("mongosource: disconnect: %w", err)
	}
	return nil
}

func claimFilter() bson.M {
	return bson.M{FieldStatus: StatusPending}
}

func claimUpdate(now time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			FieldStatus:    StatusProcessing,
			FieldClaimedAt: now,
			FieldUpdatedAt: now,
		},
	}
}

func completeUpdate(now time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			FieldStatus:    StatusDone,
			FieldUpdatedAt: now,
		},
	}
}

// failureUpdate releases a document whose exchange failed. prior is the
// attempt count before this failure.
func failureUpdate(prior, maxAttempts int, now time.Time) bson.M {
	status := StatusPending
	if maxAttempts > 0 && prior+1 >= maxAttempts {
		status = StatusFailed
	}
	return bson.M{
		"$set": bson.M{
			FieldStatus:    status,
			FieldUpdatedAt: now,
		},
		"$inc": bson.M{FieldAttempts: 1},
	}
}

func recoverUpdate(now time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			FieldStatus:    StatusPending,
			FieldUpdatedAt: now,
		},
	}
}

// attempts reads the attempt counter, whichever numeric type it decoded as.
func attempts(doc bson.M) int {
	switch v := doc[FieldAttempts].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
