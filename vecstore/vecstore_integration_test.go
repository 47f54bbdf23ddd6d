//go:build integration

package vecstore

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/google/uuid"
)

// Integration tests need a reachable Qdrant gRPC endpoint:
//
//	MNEMO_TEST_QDRANT=localhost:6334 go test -tags integration ./vecstore/...

const testDim = 8

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("MNEMO_TEST_QDRANT")
	if addr == "" {
		t.Skip("MNEMO_TEST_QDRANT not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("parsing MNEMO_TEST_QDRANT %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}

	c, err := New(host, port, testDim)
	if err != nil {
		t.Fatalf("connecting to qdrant: %v", err)
	}
	if err := c.EnsureCollections(context.Background()); err != nil {
		t.Fatalf("ensuring collections: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testVector(seed float32) []float32 {
	v := make([]float32, testDim)
	v[0] = 1
	v[1] = seed
	return v
}

func TestUpsertSearchCountDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	uid := "uid_test_" + uuid.NewString()
	rev := "rev_" + uuid.NewString()
	artifactID := "art_" + uuid.NewString()

	contentBefore, err := c.Count(ctx, CollectionContent)
	if err != nil {
		t.Fatalf("counting content: %v", err)
	}
	chunksBefore, err := c.Count(ctx, CollectionChunks)
	if err != nil {
		t.Fatalf("counting chunks: %v", err)
	}

	err = c.Upsert(ctx, CollectionContent, []Point{{
		ID: artifactID, Text: "", Vector: testVector(0.1),
		ArtifactUID: uid, RevisionID: rev,
	}})
	if err != nil {
		t.Fatalf("upserting content point: %v", err)
	}
	err = c.Upsert(ctx, CollectionChunks, []Point{
		{
			ID: artifactID + "::chunk::000::aaaaaaaa", Text: "first chunk",
			Vector: testVector(0.1), ArtifactUID: uid, RevisionID: rev,
			ChunkIndex: 0, StartChar: 0, EndChar: 11,
		},
		{
			ID: artifactID + "::chunk::001::bbbbbbbb", Text: "second chunk",
			Vector: testVector(0.2), ArtifactUID: uid, RevisionID: rev,
			ChunkIndex: 1, StartChar: 8, EndChar: 20,
		},
	})
	if err != nil {
		t.Fatalf("upserting chunk points: %v", err)
	}

	// Upserts wait for indexing, so exact counts must reflect them.
	if n, err := c.Count(ctx, CollectionContent); err != nil || n != contentBefore+1 {
		t.Errorf("content count = %d (err %v), want %d", n, err, contentBefore+1)
	}
	if n, err := c.Count(ctx, CollectionChunks); err != nil || n != chunksBefore+2 {
		t.Errorf("chunks count = %d (err %v), want %d", n, err, chunksBefore+2)
	}

	hits, err := c.Search(ctx, CollectionChunks, testVector(0.1), 5, Filter{ArtifactUID: uid})
	if err != nil {
		t.Fatalf("searching chunks: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ArtifactUID != uid || hits[0].RevisionID != rev {
		t.Errorf("hit payload = %s/%s, want %s/%s",
			hits[0].ArtifactUID, hits[0].RevisionID, uid, rev)
	}

	rows, err := c.FetchChunks(ctx, uid, rev)
	if err != nil {
		t.Fatalf("fetching chunks: %v", err)
	}
	if len(rows) != 2 || rows[0].ChunkIndex != 0 || rows[1].ChunkIndex != 1 {
		t.Fatalf("fetched chunks out of order: %+v", rows)
	}
	if rows[1].StartChar != 8 || rows[1].EndChar != 20 {
		t.Errorf("chunk offsets = (%d, %d), want (8, 20)", rows[1].StartChar, rows[1].EndChar)
	}

	if err := c.DeleteArtifact(ctx, uid); err != nil {
		t.Fatalf("deleting artifact: %v", err)
	}
	if n, err := c.Count(ctx, CollectionContent); err != nil || n != contentBefore {
		t.Errorf("content count after delete = %d (err %v), want %d", n, err, contentBefore)
	}
	if n, err := c.Count(ctx, CollectionChunks); err != nil || n != chunksBefore {
		t.Errorf("chunks count after delete = %d (err %v), want %d", n, err, chunksBefore)
	}
}
