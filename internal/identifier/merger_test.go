package identifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

// fakeStore is a minimal Mutator used to test Merger without the durable
// store's filesystem machinery.
type fakeStore struct {
	reqs []request.Request
}

func (f *fakeStore) Map(fn func(request.Request) request.Request) error {
	for i, r := range f.reqs {
		f.reqs[i] = fn(r)
	}
	return nil
}

func TestMergeRewritesPathsReferencingLocalIdentifier(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	store := &fakeStore{reqs: []request.Request{
		{Config: request.Config{PathTemplate: "/comments?parent=local-7"}},
		{Config: request.Config{PathTemplate: "/unrelated"}},
	}}

	m := New(nil)
	r.NoError(m.Merge(store, request.IdentifierSnapshot("local-7"), request.IdentifierSnapshot("remote-900")))

	a.Equal("/comments?parent=remote-900", store.reqs[0].Config.PathTemplate)
	a.Equal("/unrelated", store.reqs[1].Config.PathTemplate)
}

func TestMergeIsIdempotent(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	store := &fakeStore{reqs: []request.Request{
		{Config: request.Config{PathTemplate: "/items/local-1"}},
	}}

	m := New(nil)
	oldLocal := request.IdentifierSnapshot("local-1")
	newRemote := request.IdentifierSnapshot("remote-2")

	r.NoError(m.Merge(store, oldLocal, newRemote))
	once := store.reqs[0].Config.PathTemplate
	a.Equal("/items/remote-2", once)

	r.NoError(m.Merge(store, oldLocal, newRemote))
	a.Equal(once, store.reqs[0].Config.PathTemplate, "merging twice must be a no-op once no occurrence of oldLocal remains")
}

func TestMergeWithEmptyOldLocalIsNoOp(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	store := &fakeStore{reqs: []request.Request{
		{Config: request.Config{PathTemplate: "/items/x"}},
	}}

	m := New(nil)
	r.NoError(m.Merge(store, nil, request.IdentifierSnapshot("remote")))
	a.Equal("/items/x", store.reqs[0].Config.PathTemplate)
}

func TestRewriteTokenHandlesMultipleOccurrences(t *testing.T) {
	a := assert.New(t)
	out := rewriteToken([]byte("local-1/local-1"), []byte("local-1"), []byte("remote-2"))
	a.Equal("remote-2/remote-2", string(out))
}

func TestRewriteTokenSkipsLongerTokenSharingAPrefix(t *testing.T) {
	a := assert.New(t)
	out := rewriteToken([]byte("/items/local-1/items/local-17"), []byte("local-1"), []byte("remote-2"))
	a.Equal("/items/remote-2/items/local-17", string(out))
}
