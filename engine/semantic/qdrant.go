package semantic

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/hybrag/hybrag/engine/domain"
)

// qdrantPoints is the subset of pb.PointsClient the store uses.
type qdrantPoints interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// qdrantCollections is the subset of pb.CollectionsClient the store uses.
type qdrantCollections interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantOptions configures the gRPC connection.
type QdrantOptions struct {
	Addr       string // host:port of the gRPC endpoint
	APIKey     string
	TLS        bool
	Collection string
}

// QdrantStore keeps vectors in a Qdrant collection. Namespaces are a keyword
// payload field.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      qdrantPoints
	collections qdrantCollections
	collection  string
	dim         int
	log         *slog.Logger

	mu      sync.Mutex
	ensured bool
}

// NewQdrant dials Qdrant. The collection is created on first use.
func NewQdrant(opts QdrantOptions, dim int, log *slog.Logger) (*QdrantStore, error) {
	if opts.Addr == "" || opts.Collection == "" {
		return nil, domain.Configuration("qdrant", "addr and collection are required")
	}
	creds := insecure.NewCredentials()
	if opts.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if opts.APIKey != "" {
		key := opts.APIKey
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
			return invoker(metadata.AppendToOutgoingContext(ctx, "api-key", key), method, req, reply, cc, callOpts...)
		}))
	}
	conn, err := grpc.NewClient(opts.Addr, dialOpts...)
	if err != nil {
		return nil, backendErr("dial", "qdrant", err)
	}
	s := NewQdrantWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), opts.Collection, dim, log)
	s.conn = conn
	return s, nil
}

// NewQdrantWithClients builds a store over existing clients.
func NewQdrantWithClients(points qdrantPoints, collections qdrantCollections, collection string, dim int, log *slog.Logger) *QdrantStore {
	if log == nil {
		log = slog.Default()
	}
	return &QdrantStore{points: points, collections: collections, collection: collection, dim: dim, log: log}
}

func (q *QdrantStore) Dim() int        { return q.dim }
func (q *QdrantStore) Backend() string { return string(KindQdrant) }

// Close closes the underlying gRPC connection.
func (q *QdrantStore) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured {
		return nil
	}
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return q.wrap("list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			q.ensured = true
			return nil
		}
	}
	if err := q.create(ctx); err != nil {
		return err
	}
	q.ensured = true
	return nil
}

func (q *QdrantStore) create(ctx context.Context) error {
	_, err := q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return q.wrap("create collection", err)
	}
	q.log.Info("qdrant collection created", "collection", q.collection, "dim", q.dim)
	return nil
}

// Reset drops and recreates the collection.
func (q *QdrantStore) Reset(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensured = false
	if _, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: q.collection}); err != nil && status.Code(err) != codes.NotFound {
		return q.wrap("delete collection", err)
	}
	if err := q.create(ctx); err != nil {
		return err
	}
	q.ensured = true
	return nil
}

func (q *QdrantStore) Upsert(ctx context.Context, id string, vector []float32, meta map[string]any, namespace string) error {
	return q.UpsertBatch(ctx, []Record{{ID: id, Vector: vector, Metadata: meta}}, namespace)
}

func (q *QdrantStore) UpsertBatch(ctx context.Context, records []Record, namespace string) error {
	if err := checkRecords("qdrant upsert", q.dim, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := q.EnsureCollection(ctx); err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		payload := make(map[string]*pb.Value, len(r.Metadata)+2)
		for k, val := range r.Metadata {
			if v := toQdrantValue(val); v != nil {
				payload[k] = v
			}
		}
		payload[domain.MetaID] = toQdrantValue(r.ID)
		payload[NamespaceKey] = toQdrantValue(namespaceValue(namespace))

		points[i] = &pb.PointStruct{
			Id:      qdrantPointID(namespace, r.ID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}}},
			Payload: payload,
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return q.wrap(fmt.Sprintf("upsert %d points", len(records)), err)
	}
	return nil
}

func (q *QdrantStore) DeleteIDs(ctx context.Context, ids []string, namespace string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.EnsureCollection(ctx); err != nil {
		return err
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = qdrantPointID(namespace, id)
	}
	return q.delete(ctx, "delete ids", &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pids}},
	})
}

func (q *QdrantStore) DeleteAll(ctx context.Context, namespace string) error {
	if err := q.EnsureCollection(ctx); err != nil {
		return err
	}
	return q.delete(ctx, "delete namespace", &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Filter{
			Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch(NamespaceKey, namespaceValue(namespace))}},
		},
	})
}

func (q *QdrantStore) delete(ctx context.Context, op string, sel *pb.PointsSelector) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         sel,
	})
	if err != nil {
		return q.wrap(op, err)
	}
	return nil
}

func (q *QdrantStore) Search(ctx context.Context, query []float32, topK int, filters domain.Filters, namespace string) ([]SearchResult, error) {
	if err := checkDim("qdrant search", q.dim, query); err != nil {
		return nil, err
	}
	filter, err := qdrantFilter(filters, namespace)
	if err != nil {
		return nil, err
	}
	if err := q.EnsureCollection(ctx); err != nil {
		return nil, err
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         query,
		Limit:          uint64(domain.NormalizeTopK(topK)),
		Filter:         filter,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, q.wrap("search", err)
	}

	results := make([]SearchResult, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		meta := make(map[string]any, len(r.GetPayload()))
		for k, val := range r.GetPayload() {
			if k == NamespaceKey {
				continue
			}
			meta[k] = fromQdrantValue(val)
		}
		id, _ := meta[domain.MetaID].(string)
		if id == "" {
			id = r.GetId().GetUuid()
		}
		results = append(results, SearchResult{ID: id, Score: r.GetScore(), Metadata: meta})
	}
	sortResults(results)
	return results, nil
}

func (q *QdrantStore) wrap(op string, err error) error {
	if status.Code(err) == codes.NotFound {
		return domain.NotFound(op, "qdrant", q.collection)
	}
	return backendErr(op, "qdrant", err)
}

// qdrantPointID maps an item id to a point id. Qdrant only accepts UUIDs and
// integers, so other ids and namespaced ids are hashed into a name-based UUID.
func qdrantPointID(namespace, id string) *pb.PointId {
	u, err := uuid.Parse(id)
	if err != nil || namespace != "" {
		u = uuid.NewSHA1(uuid.NameSpaceOID, []byte(namespace+"\x00"+id))
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
}

func qdrantFilter(f domain.Filters, namespace string) (*pb.Filter, error) {
	r, err := f.Range()
	if err != nil {
		return nil, err
	}
	must := []*pb.Condition{fieldMatch(NamespaceKey, namespaceValue(namespace))}
	if f.Building != "" {
		must = append(must, fieldMatch(domain.MetaBuilding, f.Building))
	}
	if !r.IsZero() {
		rng := &pb.Range{}
		if r.From != 0 {
			from := float64(r.From)
			rng.Gte = &from
		}
		if r.To != 0 {
			to := float64(r.To)
			rng.Lte = &to
		}
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{Key: domain.MetaShotYMD, Range: rng}},
		})
	}
	return &pb.Filter{Must: must}, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func toQdrantValue(val any) *pb.Value {
	switch tv := val.(type) {
	case nil:
		return nil
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(tv)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromQdrantValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}
