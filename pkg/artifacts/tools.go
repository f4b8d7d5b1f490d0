package artifacts

import (
	"context"
	"fmt"

	"github.com/go-go-golems/forkchat/pkg/inference/tools"
	"github.com/pkg/errors"
)

const (
	ToolCreateArtifact = "create_artifact"
	ToolUpdateArtifact = "update_artifact"
	ToolReadArtifact   = "read_artifact"
)

// IsWriteTool reports whether name writes an artifact from its arguments.
func IsWriteTool(name string) bool {
	return name == ToolCreateArtifact || name == ToolUpdateArtifact
}

type sessionKey struct{}

// WithSessionID scopes artifact tools invoked with ctx to a session.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}

type CreateArtifactInput struct {
	Path    string `json:"path" jsonschema:"description=Virtual file path of the artifact"`
	Title   string `json:"title,omitempty" jsonschema:"description=Short human readable title"`
	Type    string `json:"type,omitempty" jsonschema:"description=Content type such as markdown or code"`
	Content string `json:"content" jsonschema:"description=Full content of the artifact"`
}

type UpdateArtifactInput struct {
	ID      string `json:"id,omitempty" jsonschema:"description=Id of the artifact to update"`
	Path    string `json:"path,omitempty" jsonschema:"description=Path of the artifact to update"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content" jsonschema:"description=New full content of the artifact"`
}

type ReadArtifactInput struct {
	Identifier string `json:"identifier" jsonschema:"description=Path or id of the artifact"`
}

// RegisterTools adds the artifact tools backed by s to reg.
func RegisterTools(reg *tools.LocalRegistry, s Store) error {
	create := func(ctx context.Context, in CreateArtifactInput) (string, error) {
		sessionID, ok := SessionIDFromContext(ctx)
		if !ok {
			return "", errors.New("no session in context")
		}
		a, err := s.Upsert(ctx, sessionID, Artifact{
			Path:    in.Path,
			Title:   in.Title,
			Type:    in.Type,
			Content: in.Content,
		}, UpsertOptions{Final: true})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Created artifact %s (id %s, %d characters)", a.Path, a.ID, len(a.Content)), nil
	}

	update := func(ctx context.Context, in UpdateArtifactInput) (string, error) {
		sessionID, ok := SessionIDFromContext(ctx)
		if !ok {
			return "", errors.New("no session in context")
		}
		identifier := in.ID
		if identifier == "" {
			identifier = in.Path
		}
		existing, err := s.Read(ctx, sessionID, identifier)
		if err != nil {
			return "", errors.Wrapf(err, "cannot update %q", identifier)
		}
		a, err := s.Upsert(ctx, sessionID, Artifact{
			ID:      existing.ID,
			Title:   in.Title,
			Content: in.Content,
		}, UpsertOptions{Final: true})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Updated artifact %s (%d characters)", a.Path, len(a.Content)), nil
	}

	read := func(ctx context.Context, in ReadArtifactInput) (string, error) {
		sessionID, ok := SessionIDFromContext(ctx)
		if !ok {
			return "", errors.New("no session in context")
		}
		a, err := s.Read(ctx, sessionID, in.Identifier)
		if err != nil {
			return "", errors.Wrapf(err, "cannot read %q", in.Identifier)
		}
		return a.Content, nil
	}

	if err := reg.RegisterFunc(ToolCreateArtifact, "Create a virtual file holding a document or code", create); err != nil {
		return err
	}
	if err := reg.RegisterFunc(ToolUpdateArtifact, "Replace the content of an existing artifact", update); err != nil {
		return err
	}
	return reg.RegisterFunc(ToolReadArtifact, "Read the content of an artifact by path or id", read)
}
