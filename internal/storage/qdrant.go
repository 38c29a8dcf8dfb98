/**
 * Qdrant glyph index for the NIK worker
 *
 * Stores a GlyphVector for every exported training digit so reviewers can
 * pull up the nearest labelled glyphs and spot mislabelled exports.
 * Uses Qdrant's native gRPC API.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GlyphDimensions is the length of a GlyphVector
const GlyphDimensions = GlyphSize * GlyphSize

// GlyphIndex handles glyph vector operations
type GlyphIndex struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// GlyphPoint is one indexed digit image
type GlyphPoint struct {
	ID        string
	Vector    []float32
	Label     string
	Path      string
	Session   string
	Timestamp int64
}

// GlyphMatch is a search hit
type GlyphMatch struct {
	ID    string
	Label string
	Path  string
	Score float32
}

// NewGlyphIndex connects to Qdrant and ensures the collection exists
func NewGlyphIndex(address string, collectionName string) (*GlyphIndex, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	gi := &GlyphIndex{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
	}

	if err := gi.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return gi, nil
}

func (g *GlyphIndex) ensureCollection(ctx context.Context) error {
	listResp, err := g.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == g.collectionName {
			return nil
		}
	}

	_, err = g.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: g.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     GlyphDimensions,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

// Upsert stores or replaces a glyph; an empty ID gets a fresh UUID
func (g *GlyphIndex) Upsert(ctx context.Context, point *GlyphPoint) error {
	if point == nil {
		return fmt.Errorf("point is required")
	}

	if len(point.Vector) != GlyphDimensions {
		return fmt.Errorf("invalid vector dimensions: expected %d, got %d", GlyphDimensions, len(point.Vector))
	}

	if point.ID == "" {
		point.ID = uuid.New().String()
	}

	payload := map[string]*qdrant.Value{
		"label":   stringValue(point.Label),
		"path":    stringValue(point.Path),
		"session": stringValue(point.Session),
	}
	if point.Timestamp > 0 {
		payload["timestamp"] = &qdrant.Value{
			Kind: &qdrant.Value_IntegerValue{IntegerValue: point.Timestamp},
		}
	}

	pointStruct := &qdrant.PointStruct{
		Id: &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: point.ID},
		},
		Vectors: &qdrant.Vectors{
			VectorsOptions: &qdrant.Vectors_Vector{
				Vector: &qdrant.Vector{Data: point.Vector},
			},
		},
		Payload: payload,
	}

	_, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: g.collectionName,
		Points:         []*qdrant.PointStruct{pointStruct},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert glyph: %w", err)
	}

	return nil
}

// Similar returns the nearest indexed glyphs to vector
func (g *GlyphIndex) Similar(ctx context.Context, vector []float32, limit int) ([]GlyphMatch, error) {
	if len(vector) != GlyphDimensions {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", GlyphDimensions, len(vector))
	}

	if limit <= 0 {
		limit = 10
	}

	results, err := g.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: g.collectionName,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search glyphs: %w", err)
	}

	matches := make([]GlyphMatch, 0, len(results.Result))
	for _, result := range results.Result {
		match := GlyphMatch{Score: result.Score}
		if result.Id != nil {
			match.ID = result.Id.GetUuid()
		}
		if v, ok := result.Payload["label"]; ok {
			match.Label = v.GetStringValue()
		}
		if v, ok := result.Payload["path"]; ok {
			match.Path = v.GetStringValue()
		}
		matches = append(matches, match)
	}

	return matches, nil
}

// Info returns collection statistics
func (g *GlyphIndex) Info(ctx context.Context) (map[string]interface{}, error) {
	info, err := g.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: g.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": g.collectionName,
		"points_count":    info.Result.GetPointsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (g *GlyphIndex) Close() error {
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}
