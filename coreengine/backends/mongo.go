package backends

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
)

// pipelineFallbackOrder is the order collections are tried for a bare
// aggregation pipeline.
var pipelineFallbackOrder = []string{"products", "inventory", "orders", "employees"}

var shellCall = regexp.MustCompile(`(?s)^\s*db\.(\w+)\.(find|aggregate)\s*\((.*)\)\s*;?\s*$`)

// MongoExecutor runs find and aggregate requests against the warehouse.
type MongoExecutor struct {
	name     string
	client   *mongo.Client
	database *mongo.Database
}

// MongoRequest is the parsed form of the JSON documents generators produce.
type MongoRequest struct {
	Collection string   `bson:"collection"`
	Query      bson.D   `bson:"query"`
	Filter     bson.D   `bson:"filter"`
	Projection bson.D   `bson:"projection"`
	Sort       bson.D   `bson:"sort"`
	Limit      int64    `bson:"limit"`
	Pipeline   []bson.D `bson:"pipeline"`
}

// ConnectMongo connects and pings a pooled client.
func ConnectMongo(ctx context.Context, s config.MongoSettings) (*mongo.Client, error) {
	if s.URI == "" {
		return nil, NewConnectorError(BackendNoSQL, "Connect", "uri is required", ErrNotConnected)
	}
	clientOpts := options.Client().ApplyURI(s.URI)
	clientOpts.SetMaxPoolSize(s.MaxPoolSize)
	clientOpts.SetMinPoolSize(s.MinPoolSize)
	clientOpts.SetConnectTimeout(s.ConnectTimeout())
	clientOpts.SetAppName("queryrouter")
	clientOpts.SetRetryReads(true)

	connectCtx, cancel := context.WithTimeout(ctx, s.ConnectTimeout())
	defer cancel()
	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, NewConnectorError(BackendNoSQL, "Connect", "failed to connect to MongoDB", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, NewConnectorError(BackendNoSQL, "Connect", "failed to ping MongoDB", err)
	}
	return client, nil
}

// NewMongoExecutor wraps a connected client. The executor owns client from
// here on.
func NewMongoExecutor(client *mongo.Client, database string) *MongoExecutor {
	e := &MongoExecutor{name: BackendNoSQL, client: client}
	if client != nil {
		e.database = client.Database(database)
	}
	return e
}

func (e *MongoExecutor) Execute(ctx context.Context, query string, rowCap int) (*QueryResult, error) {
	if e.database == nil {
		return nil, NewConnectorError(e.name, "Query", "database not connected", ErrNotConnected)
	}
	req, err := ParseMongoQuery(query)
	if err != nil {
		return nil, NewConnectorError(e.name, "Query", "could not parse query", err)
	}

	if req.Collection == "" {
		return e.aggregateAcross(ctx, req.Pipeline, rowCap)
	}
	coll := e.database.Collection(req.Collection)
	if req.Pipeline != nil {
		return e.aggregate(ctx, coll, req.Pipeline, rowCap)
	}
	return e.find(ctx, coll, req, rowCap)
}

// ParseMongoQuery accepts a find or aggregate document, a bare pipeline
// array, or a db.<collection>.find/aggregate(...) call with JSON arguments.
func ParseMongoQuery(text string) (*MongoRequest, error) {
	t := strings.TrimSpace(text)
	if m := shellCall.FindStringSubmatch(t); m != nil {
		collection, method, args := m[1], m[2], strings.TrimSpace(m[3])
		if method == "aggregate" {
			t = fmt.Sprintf(`{"collection": %q, "pipeline": %s}`, collection, args)
		} else {
			if args == "" {
				args = "{}"
			}
			t = fmt.Sprintf(`{"collection": %q, "query": %s}`, collection, args)
		}
	} else if strings.HasPrefix(t, "[") {
		t = `{"pipeline": ` + t + `}`
	}

	var req MongoRequest
	if err := bson.UnmarshalExtJSON([]byte(t), false, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuery, err)
	}
	if req.Collection == "" && req.Pipeline == nil {
		return nil, fmt.Errorf("%w: collection or pipeline required", ErrMalformedQuery)
	}
	if stage := writeStage(req.Pipeline); stage != "" {
		return nil, fmt.Errorf("%w: %s stage", ErrReadOnly, stage)
	}
	if req.Query == nil {
		req.Query = req.Filter
	}
	if req.Query == nil {
		req.Query = bson.D{}
	}
	return &req, nil
}

// writeStages are pipeline stages that write to a collection.
var writeStages = map[string]bool{"$out": true, "$merge": true}

// writeStage returns the first write stage found anywhere in pipeline,
// including sub-pipelines of $lookup, $facet and $unionWith.
func writeStage(pipeline []bson.D) string {
	for _, stage := range pipeline {
		if name := findWriteKey(stage); name != "" {
			return name
		}
	}
	return ""
}

func findWriteKey(v any) string {
	switch val := v.(type) {
	case bson.D:
		for _, elem := range val {
			if writeStages[elem.Key] {
				return elem.Key
			}
			if name := findWriteKey(elem.Value); name != "" {
				return name
			}
		}
	case bson.M:
		for k, inner := range val {
			if writeStages[k] {
				return k
			}
			if name := findWriteKey(inner); name != "" {
				return name
			}
		}
	case bson.A:
		for _, item := range val {
			if name := findWriteKey(item); name != "" {
				return name
			}
		}
	case []any:
		for _, item := range val {
			if name := findWriteKey(item); name != "" {
				return name
			}
		}
	}
	return ""
}

func (e *MongoExecutor) find(ctx context.Context, coll *mongo.Collection, req *MongoRequest, rowCap int) (*QueryResult, error) {
	opts := options.Find()
	if req.Projection != nil {
		opts.SetProjection(req.Projection)
	}
	if req.Sort != nil {
		opts.SetSort(req.Sort)
	}
	if req.Limit > 0 {
		opts.SetLimit(req.Limit)
	}

	cursor, err := coll.Find(ctx, req.Query, opts)
	if err != nil {
		return nil, NewConnectorError(e.name, "Find", "find failed", err)
	}
	return e.decodeCursor(ctx, cursor, rowCap)
}

func (e *MongoExecutor) aggregate(ctx context.Context, coll *mongo.Collection, pipeline []bson.D, rowCap int) (*QueryResult, error) {
	cursor, err := coll.Aggregate(ctx, mongo.Pipeline(pipeline))
	if err != nil {
		return nil, NewConnectorError(e.name, "Aggregate", "aggregate failed", err)
	}
	return e.decodeCursor(ctx, cursor, rowCap)
}

// aggregateAcross runs a collection-less pipeline against each known
// collection and keeps the first non-empty result.
func (e *MongoExecutor) aggregateAcross(ctx context.Context, pipeline []bson.D, rowCap int) (*QueryResult, error) {
	var last *QueryResult
	var lastErr error
	for _, name := range pipelineFallbackOrder {
		res, err := e.aggregate(ctx, e.database.Collection(name), pipeline, rowCap)
		if err != nil {
			if IsTransient(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if res.RowCount > 0 {
			return res, nil
		}
		last = res
	}
	if last != nil {
		return last, nil
	}
	return nil, lastErr
}

func (e *MongoExecutor) decodeCursor(ctx context.Context, cursor *mongo.Cursor, rowCap int) (*QueryResult, error) {
	defer func() { _ = cursor.Close(ctx) }()

	result := &QueryResult{Rows: make([]map[string]any, 0)}
	for cursor.Next(ctx) {
		result.RowCount++
		if rowCap > 0 && len(result.Rows) >= rowCap {
			continue
		}
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, NewConnectorError(e.name, "Decode", "failed to decode document", err)
		}
		result.Rows = append(result.Rows, bsonToMap(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, NewConnectorError(e.name, "Decode", "cursor error", err)
	}
	return result, nil
}

func (e *MongoExecutor) HealthCheck(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Backend: e.name, Timestamp: time.Now()}
	if e.client == nil {
		status.Error = "database not connected"
		return status
	}

	start := time.Now()
	err := e.client.Ping(ctx, readpref.Primary())
	status.Latency = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	status.Details = map[string]string{
		"database":             e.database.Name(),
		"sessions_in_progress": fmt.Sprintf("%d", e.client.NumberSessionsInProgress()),
	}
	return status
}

func (e *MongoExecutor) Close(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	return e.client.Disconnect(ctx)
}

func bsonToMap(doc bson.M) map[string]any {
	result := make(map[string]any, len(doc))
	for k, v := range doc {
		result[k] = convertFromBSON(v)
	}
	return result
}

// convertFromBSON converts BSON types to JSON-serializable Go types.
func convertFromBSON(v any) any {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Decimal128:
		return val.String()
	case primitive.Timestamp:
		return map[string]any{"t": val.T, "i": val.I}
	case primitive.Binary:
		return val.Data
	case bson.M:
		return bsonToMap(val)
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = convertFromBSON(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, elem := range val {
			out[elem.Key] = convertFromBSON(elem.Value)
		}
		return out
	default:
		return val
	}
}
