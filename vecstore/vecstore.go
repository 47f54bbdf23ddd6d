// Package vecstore wraps the Qdrant client behind the two logical
// collections the memory server uses: "content" (one row per artifact
// revision) and "chunks" (one row per token window).
//
// Qdrant point ids must be UUIDs or integers, so every logical string id
// (art_… or a chunk id) is mapped to a deterministic UUIDv5; the logical id
// is kept in the payload and round-tripped on reads.
package vecstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Collection names.
const (
	CollectionContent = "content"
	CollectionChunks  = "chunks"
)

// pointNamespace seeds the UUIDv5 derivation of point ids from logical ids.
var pointNamespace = uuid.MustParse("9a1f3c5e-7b2d-4e8a-9c6f-1d0b8a4e2f7c")

// Point is a row to be written to a collection.
type Point struct {
	ID          string // logical id: art_… or a chunk id
	Text        string
	Vector      []float32
	ArtifactUID string
	RevisionID  string
	ChunkIndex  int
	StartChar   int
	EndChar     int
	Source      string
	Sensitivity string
	SourceTS    int64 // unix seconds; 0 when absent
}

// Result is a row read back from a collection.
type Result struct {
	ID          string
	Text        string
	Score       float32
	ArtifactUID string
	RevisionID  string
	ChunkIndex  int
	StartChar   int
	EndChar     int
}

// Filter narrows a search by payload metadata. Zero values are ignored.
type Filter struct {
	ArtifactUID string
	RevisionID  string
	Source      string
	Sensitivity string
	From        *time.Time
	To          *time.Time
}

// Client is the vector store client. Safe for concurrent use.
type Client struct {
	qc  *qdrant.Client
	dim uint64
}

// New connects to Qdrant over gRPC.
func New(host string, port int, dim int) (*Client, error) {
	qc, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	return &Client{qc: qc, dim: uint64(dim)}, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.qc.Close()
}

// Healthy reports whether the store answers a health check.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.qc.HealthCheck(ctx)
	return err == nil
}

// EnsureCollections creates the content and chunks collections if absent.
// Both are cosine spaces of the configured dimension.
func (c *Client) EnsureCollections(ctx context.Context) error {
	for _, name := range []string{CollectionContent, CollectionChunks} {
		exists, err := c.qc.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("checking collection %s: %w", name, err)
		}
		if exists {
			continue
		}
		err = c.qc.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     c.dim,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
	}
	return nil
}

// Upsert writes points to a collection, waiting for the write to be applied.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qps := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"id":           p.ID,
			"text":         p.Text,
			"artifact_uid": p.ArtifactUID,
			"revision_id":  p.RevisionID,
			"chunk_index":  int64(p.ChunkIndex),
			"start_char":   int64(p.StartChar),
			"end_char":     int64(p.EndChar),
		}
		if p.Source != "" {
			payload["source_system"] = p.Source
		}
		if p.Sensitivity != "" {
			payload["sensitivity"] = p.Sensitivity
		}
		if p.SourceTS != 0 {
			payload["source_ts"] = p.SourceTS
		}
		qps[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := c.qc.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qps,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upserting %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

// Search runs a filtered nearest-neighbour query.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, limit int, f Filter) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}

	scored, err := c.qc.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter:         buildFilter(f),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		r := fromPayload(sp.Payload)
		r.Score = sp.Score
		results = append(results, r)
	}
	return results, nil
}

// Fetch retrieves a single point by its logical id.
// Returns nil when the point does not exist.
func (c *Client) Fetch(ctx context.Context, collection, logicalID string) (*Result, error) {
	pts, err := c.qc.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(PointID(logicalID))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s from %s: %w", logicalID, collection, err)
	}
	if len(pts) == 0 {
		return nil, nil
	}
	r := fromPayload(pts[0].Payload)
	return &r, nil
}

// FetchChunks returns all chunk rows of a revision ordered by chunk_index.
func (c *Client) FetchChunks(ctx context.Context, artifactUID, revisionID string) ([]Result, error) {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewMatch("artifact_uid", artifactUID),
		qdrant.NewMatch("revision_id", revisionID),
	}}

	var results []Result
	var offset *qdrant.PointId
	for {
		pts, err := c.qc.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: CollectionChunks,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(256)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scrolling chunks for %s/%s: %w", artifactUID, revisionID, err)
		}
		for _, p := range pts {
			results = append(results, fromPayload(p.Payload))
		}
		if len(pts) < 256 {
			break
		}
		offset = pts[len(pts)-1].Id
	}

	sort.Slice(results, func(i, j int) bool { return results[i].ChunkIndex < results[j].ChunkIndex })
	return results, nil
}

// FetchChunkByIndex returns the chunk at a specific index of a revision, or
// nil when it does not exist (index out of range).
func (c *Client) FetchChunkByIndex(ctx context.Context, artifactUID, revisionID string, index int) (*Result, error) {
	pts, err := c.qc.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: CollectionChunks,
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("artifact_uid", artifactUID),
			qdrant.NewMatch("revision_id", revisionID),
			qdrant.NewMatchInt("chunk_index", int64(index)),
		}},
		Limit:       qdrant.PtrOf(uint32(1)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching chunk %d of %s/%s: %w", index, artifactUID, revisionID, err)
	}
	if len(pts) == 0 {
		return nil, nil
	}
	r := fromPayload(pts[0].Payload)
	return &r, nil
}

// DeleteArtifact removes every point of an artifact uid from both
// collections. Deletion by filter is idempotent.
func (c *Client) DeleteArtifact(ctx context.Context, artifactUID string) error {
	for _, collection := range []string{CollectionContent, CollectionChunks} {
		_, err := c.qc.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch("artifact_uid", artifactUID)},
			}),
			Wait: qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("deleting %s from %s: %w", artifactUID, collection, err)
		}
	}
	return nil
}

// Count returns the exact number of points in a collection.
func (c *Client) Count(ctx context.Context, collection string) (uint64, error) {
	n, err := c.qc.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

// PointID derives the deterministic Qdrant point id for a logical id.
func PointID(logicalID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(logicalID)).String()
}

func buildFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.ArtifactUID != "" {
		must = append(must, qdrant.NewMatch("artifact_uid", f.ArtifactUID))
	}
	if f.RevisionID != "" {
		must = append(must, qdrant.NewMatch("revision_id", f.RevisionID))
	}
	if f.Source != "" {
		must = append(must, qdrant.NewMatch("source_system", f.Source))
	}
	if f.Sensitivity != "" {
		must = append(must, qdrant.NewMatch("sensitivity", f.Sensitivity))
	}
	if f.From != nil || f.To != nil {
		rng := &qdrant.Range{}
		if f.From != nil {
			rng.Gte = qdrant.PtrOf(float64(f.From.Unix()))
		}
		if f.To != nil {
			rng.Lte = qdrant.PtrOf(float64(f.To.Unix()))
		}
		must = append(must, qdrant.NewRange("source_ts", rng))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func fromPayload(payload map[string]*qdrant.Value) Result {
	var r Result
	if v, ok := payload["id"]; ok {
		r.ID = v.GetStringValue()
	}
	if v, ok := payload["text"]; ok {
		r.Text = v.GetStringValue()
	}
	if v, ok := payload["artifact_uid"]; ok {
		r.ArtifactUID = v.GetStringValue()
	}
	if v, ok := payload["revision_id"]; ok {
		r.RevisionID = v.GetStringValue()
	}
	if v, ok := payload["chunk_index"]; ok {
		r.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload["start_char"]; ok {
		r.StartChar = int(v.GetIntegerValue())
	}
	if v, ok := payload["end_char"]; ok {
		r.EndChar = int(v.GetIntegerValue())
	}
	return r
}
