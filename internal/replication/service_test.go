package replication

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
)

type fakeRaw struct {
	mu       sync.Mutex
	docs     map[string]bson.M
	upserts  int
	deletes  int
	modified []bson.M
}

func newFakeRaw() *fakeRaw {
	return &fakeRaw{docs: make(map[string]bson.M)}
}

func rawKey(collection string, id any) string {
	return fmt.Sprintf("%s/%v", collection, id)
}

func (f *fakeRaw) FindRaw(ctx context.Context, collection string, id any) (bson.M, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[rawKey(collection, id)]
	if !ok {
		return nil, durable.ErrNotFound
	}
	return doc, nil
}

func (f *fakeRaw) UpsertRaw(ctx context.Context, collection string, id any, doc bson.M) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[rawKey(collection, id)] = doc
	f.upserts++
	return nil
}

func (f *fakeRaw) DeleteRaw(ctx context.Context, collection string, id any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, rawKey(collection, id))
	f.deletes++
	return nil
}

func (f *fakeRaw) ModifiedSince(ctx context.Context, collection string, sinceMS int64) ([]bson.M, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modified, nil
}

func (f *fakeRaw) get(collection string, id any) bson.M {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[rawKey(collection, id)]
}

func newTestService(peers ...*fakeRaw) (*Service, *fakeRaw) {
	local := newFakeRaw()
	s := &Service{
		local:      local,
		instanceID: "inst-a",
		logger:     zerolog.Nop(),
	}
	for i, p := range peers {
		s.peers = append(s.peers, &peerConn{
			endpoint: fmt.Sprintf("http://peer-%d:5002", i),
			store:    p,
		})
	}
	return s, local
}

func TestResolveConflict(t *testing.T) {
	s, _ := newTestService()
	cases := []struct {
		name   string
		local  bson.M
		remote bson.M
		want   conflictOutcome
	}{
		{
			"newer local updatedAt wins",
			bson.M{"updatedAt": int64(200)}, bson.M{"updatedAt": int64(100)},
			localWins,
		},
		{
			"newer remote updatedAt wins",
			bson.M{"updatedAt": int64(100)}, bson.M{"updatedAt": int64(200)},
			remoteWins,
		},
		{
			"createdAt is the fallback clock",
			bson.M{"createdAt": int64(300)}, bson.M{"updatedAt": int64(200)},
			localWins,
		},
		{
			"message timestamp is the last resort clock",
			bson.M{"timestamp": int64(50)}, bson.M{"timestamp": int64(90)},
			remoteWins,
		},
		{
			"tied clocks break on instance id",
			bson.M{"updatedAt": int64(100), "instanceId": "inst-b"},
			bson.M{"updatedAt": int64(100), "instanceId": "inst-a"},
			localWins,
		},
		{
			"lastModifiedBy outranks instanceId in the tie break",
			bson.M{"updatedAt": int64(100), "instanceId": "inst-z", "lastModifiedBy": "inst-a"},
			bson.M{"updatedAt": int64(100), "instanceId": "inst-a", "lastModifiedBy": "inst-b"},
			remoteWins,
		},
		{
			"identical versions need no action",
			bson.M{"updatedAt": int64(100), "instanceId": "inst-b"},
			bson.M{"updatedAt": int64(100), "instanceId": "inst-b"},
			converged,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.resolveConflict(tc.local, tc.remote); got != tc.want {
				t.Errorf("resolveConflict = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReplicateAnnotatesAndPushes(t *testing.T) {
	peer := newFakeRaw()
	s, _ := newTestService(peer)
	ctx := context.Background()

	doc := bson.M{"_id": "m1", "room": "r1", "instanceId": "inst-b", "timestamp": int64(1234)}
	s.replicateToAllPeers(ctx, "messages", doc)

	got := peer.get("messages", "m1")
	if got == nil {
		t.Fatal("document never reached the peer")
	}
	if got["replicatedFrom"] != "inst-a" {
		t.Errorf("replicatedFrom = %v", got["replicatedFrom"])
	}
	if got["lastModifiedBy"] != "inst-b" {
		t.Errorf("lastModifiedBy = %v", got["lastModifiedBy"])
	}
	if got["lastModifiedAt"] != int64(1234) {
		t.Errorf("lastModifiedAt = %v", got["lastModifiedAt"])
	}
	if _, ok := got["replicatedAt"]; !ok {
		t.Error("replicatedAt missing")
	}
	if _, ok := doc["replicatedFrom"]; ok {
		t.Error("source document was mutated")
	}
	if s.Stats().Applied != 1 {
		t.Errorf("applied = %d", s.Stats().Applied)
	}
}

func TestConflictLocalWinsOverwritesPeer(t *testing.T) {
	peer := newFakeRaw()
	peer.docs[rawKey("messages", "m1")] = bson.M{"_id": "m1", "updatedAt": int64(100), "content": "old"}
	s, local := newTestService(peer)
	ctx := context.Background()

	s.replicateToAllPeers(ctx, "messages", bson.M{"_id": "m1", "updatedAt": int64(200), "content": "new"})

	if got := peer.get("messages", "m1"); got["content"] != "new" {
		t.Errorf("peer content = %v, want new", got["content"])
	}
	if local.upserts != 0 {
		t.Errorf("local writes = %d, want 0", local.upserts)
	}
	st := s.Stats()
	if st.Conflicts != 1 || st.LocalWins != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestConflictRemoteWinsPullsBack(t *testing.T) {
	peer := newFakeRaw()
	peer.docs[rawKey("messages", "m1")] = bson.M{"_id": "m1", "updatedAt": int64(900), "content": "newer"}
	s, local := newTestService(peer)
	ctx := context.Background()

	s.replicateToAllPeers(ctx, "messages", bson.M{"_id": "m1", "updatedAt": int64(100), "content": "stale"})

	// The stale copy never overwrites the peer.
	if got := peer.get("messages", "m1"); got["content"] != "newer" {
		t.Errorf("peer content = %v, want newer", got["content"])
	}
	pulled := local.get("messages", "m1")
	if pulled == nil || pulled["content"] != "newer" {
		t.Fatalf("local pull-back = %v", pulled)
	}
	st := s.Stats()
	if st.Conflicts != 1 || st.RemoteWins != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestConvergedCopiesAreLeftAlone(t *testing.T) {
	peer := newFakeRaw()
	peer.docs[rawKey("messages", "m1")] = bson.M{"_id": "m1", "updatedAt": int64(100), "instanceId": "inst-b"}
	s, local := newTestService(peer)
	ctx := context.Background()

	s.replicateToAllPeers(ctx, "messages", bson.M{"_id": "m1", "updatedAt": int64(100), "instanceId": "inst-b"})

	if peer.upserts != 0 || local.upserts != 0 {
		t.Errorf("writes = peer %d local %d, want none", peer.upserts, local.upserts)
	}
	if s.Stats().Conflicts != 0 {
		t.Errorf("conflicts = %d", s.Stats().Conflicts)
	}
}

func TestDeleteFansOutToAllPeers(t *testing.T) {
	p1, p2 := newFakeRaw(), newFakeRaw()
	p1.docs[rawKey("rooms", "r1")] = bson.M{"_id": "r1"}
	p2.docs[rawKey("rooms", "r1")] = bson.M{"_id": "r1"}
	s, _ := newTestService(p1, p2)

	ev := changeEvent{OperationType: "delete"}
	ev.DocumentKey.ID = "r1"
	s.handleChange(context.Background(), "rooms", ev)

	if p1.get("rooms", "r1") != nil || p2.get("rooms", "r1") != nil {
		t.Error("delete did not reach every peer")
	}
	if got := s.Stats().Received; got != 1 {
		t.Errorf("received = %d", got)
	}
}

func TestInitialSyncSkipsOwnDocuments(t *testing.T) {
	peer := newFakeRaw()
	s, local := newTestService(peer)
	local.modified = []bson.M{
		{"_id": "m1", "instanceId": "inst-a", "timestamp": int64(1)},
		{"_id": "m2", "instanceId": "inst-b", "timestamp": int64(2)},
		{"_id": "m3", "instanceId": "inst-c", "timestamp": int64(3)},
	}

	s.initialSync(context.Background())

	if peer.get("messages", "m1") != nil {
		t.Error("own document was replicated")
	}
	if peer.get("messages", "m2") == nil || peer.get("messages", "m3") == nil {
		t.Error("foreign documents were not replicated")
	}
}

func TestPeerMongoURI(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://10.0.0.2:5001", "mongodb://10.0.0.2:27017/chat", true},
		{"http://peer:5002", "mongodb://peer:27018/chat", true},
		{"peer:5003", "mongodb://peer:27019/chat", true},
		{"http://peer:9999", "", false},
		{"garbage", "", false},
	}
	for _, tc := range cases {
		got, err := peerMongoURI(tc.in, "chat")
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("peerMongoURI(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("peerMongoURI(%q) expected an error", tc.in)
		}
	}
}
