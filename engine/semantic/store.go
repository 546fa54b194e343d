// Package semantic keeps a vector per person profile in Qdrant and uses it
// to resolve loosely described search targets to people in the graph.
package semantic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// DefaultCollection holds person profile vectors.
const DefaultCollection = "warmpath_profiles"

// pointNamespace derives stable point IDs from person IDs.
var pointNamespace = uuid.MustParse("8f3c1c7e-2b7a-4a51-9a6e-0d8f0b4f3a10")

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Match is one similar profile.
type Match struct {
	PersonID string  `json:"person_id"`
	Score    float32 `json:"score"`
	Name     string  `json:"name"`
	Company  string  `json:"company"`
	Title    string  `json:"title"`
}

// ProfileIndex is the sole owner of Qdrant operations.
type ProfileIndex struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// New creates a ProfileIndex connected to Qdrant at the given gRPC address.
func New(addr, collection string) (*ProfileIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	ix := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection)
	ix.conn = conn
	return ix, nil
}

// NewWithClients builds an index over existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *ProfileIndex {
	if collection == "" {
		collection = DefaultCollection
	}
	return &ProfileIndex{points: points, collections: collections, collection: collection}
}

// Close closes the gRPC connection, if the index owns one.
func (ix *ProfileIndex) Close() error {
	if ix.conn == nil {
		return nil
	}
	return ix.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (ix *ProfileIndex) EnsureCollection(ctx context.Context, dims int) error {
	list, err := ix.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == ix.collection {
			return nil
		}
	}

	_, err = ix.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: ix.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", ix.collection, err)
	}
	return nil
}

// DeleteCollection drops the collection.
func (ix *ProfileIndex) DeleteCollection(ctx context.Context) error {
	_, err := ix.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: ix.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", ix.collection, err)
	}
	return nil
}

// PointID is the Qdrant point ID for a person.
func PointID(personID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(personID)).String()
}

// UpsertProfile stores vector as p's profile, replacing any earlier one.
func (ix *ProfileIndex) UpsertProfile(ctx context.Context, p domain.Person, vector []float32) error {
	wait := true
	_, err := ix.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: ix.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(p.ID)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}},
			},
			Payload: profilePayload(p),
		}},
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert profile %s: %w", p.ID, err)
	}
	return nil
}

// DeleteProfile removes p's vector.
func (ix *ProfileIndex) DeleteProfile(ctx context.Context, personID string) error {
	wait := true
	_, err := ix.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: ix.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch("person_id", personID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete profile %s: %w", personID, err)
	}
	return nil
}

// SimilarProfiles returns up to k profiles closest to vector. Filters match
// payload keywords exactly; use the *_key fields for normalized values.
func (ix *ProfileIndex) SimilarProfiles(ctx context.Context, vector []float32, k int, filters map[string]string) ([]Match, error) {
	req := &pb.SearchPoints{
		CollectionName: ix.collection,
		Vector:         vector,
		Limit:          uint64(max(k, 1)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for key, val := range filters {
			must = append(must, fieldMatch(key, val))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := ix.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	out := make([]Match, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		pl := r.GetPayload()
		m := Match{
			PersonID: pl["person_id"].GetStringValue(),
			Score:    r.GetScore(),
			Name:     pl["name"].GetStringValue(),
			Company:  pl["company"].GetStringValue(),
			Title:    pl["title"].GetStringValue(),
		}
		if m.PersonID == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func profilePayload(p domain.Person) map[string]*pb.Value {
	str := func(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
	return map[string]*pb.Value{
		"person_id":   str(p.ID),
		"name":        str(p.DisplayName()),
		"company":     str(p.Company),
		"company_key": str(domain.NormalizeKey(p.Company)),
		"title":       str(p.Title),
		"location":    str(p.Location),
		"is_ghost":    {Kind: &pb.Value_BoolValue{BoolValue: p.IsGhost}},
	}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
