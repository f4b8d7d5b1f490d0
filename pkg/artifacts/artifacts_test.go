package artifacts

import (
	"context"
	"testing"

	"github.com/go-go-golems/forkchat/pkg/inference/tools"
	"github.com/go-go-golems/forkchat/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertIsIdempotentByPath(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Upsert(ctx, "s1", Artifact{Path: "notes.md", Title: "No"}, UpsertOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Final)

	second, err := s.Upsert(ctx, "s1", Artifact{Path: "notes.md", Content: "# Notes"}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "No", second.Title)
	assert.Equal(t, "# Notes", second.Content)

	final, err := s.Upsert(ctx, "s1", Artifact{Path: "notes.md", Title: "Notes", Content: "# Notes\nbody"}, UpsertOptions{Final: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, final.ID)
	assert.True(t, final.Final)

	list, err := s.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Notes", list[0].Title)

	byID, err := s.Read(ctx, "s1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Notes\nbody", byID.Content)

	_, err = s.Read(ctx, "other-session", "notes.md")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Upsert(ctx, "s1", Artifact{Content: "x"}, UpsertOptions{})
	assert.ErrorIs(t, err, ErrMissingAddress)
}

func TestArtifactTools(t *testing.T) {
	s := NewKVStore(store.NewCompressed(store.NewMemoryStore()))
	reg := tools.NewLocalRegistry()
	require.NoError(t, RegisterTools(reg, s))
	assert.True(t, reg.HasTool(ToolReadArtifact))

	ctx := WithSessionID(context.Background(), "s1")

	res := reg.Invoke(ctx, ToolCreateArtifact, map[string]interface{}{
		"path": "plan.md", "title": "Plan", "content": "step 1",
	})
	require.False(t, res.IsError, res.Text)
	assert.Contains(t, res.Text, "Created artifact plan.md")

	res = reg.Invoke(ctx, ToolUpdateArtifact, map[string]interface{}{"path": "plan.md", "content": "step 1\nstep 2"})
	require.False(t, res.IsError, res.Text)

	res = reg.Invoke(ctx, ToolReadArtifact, map[string]interface{}{"identifier": "plan.md"})
	require.False(t, res.IsError, res.Text)
	assert.Equal(t, "step 1\nstep 2", res.Text)

	res = reg.Invoke(ctx, ToolUpdateArtifact, map[string]interface{}{"path": "missing.md", "content": "x"})
	assert.True(t, res.IsError)

	res = reg.Invoke(context.Background(), ToolReadArtifact, map[string]interface{}{"identifier": "plan.md"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "no session")
}
