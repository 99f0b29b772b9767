// Package render dispatches scenes to rendering engines with a single
// fallback hop between them.
package render

import (
	"context"

	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/services"
	"github.com/google/uuid"
)

// Request is one scene render. PriorError is set on the fallback hop.
type Request struct {
	JobID      uuid.UUID
	Scene      models.Scene
	WorkDir    string
	PriorError string
}

// Clip is a rendered scene video on local disk.
type Clip struct {
	Path string
}

// Backend is a rendering engine. Implementations share no mutable state.
type Backend interface {
	Kind() models.Backend
	Render(ctx context.Context, req Request) (*Clip, error)
}

// Author produces engine source for a scene.
type Author interface {
	WriteSource(ctx context.Context, kind models.Backend, scene models.Scene, priorErr string) (string, error)
}

// Engine executes authored source.
type Engine interface {
	RenderSource(ctx context.Context, job services.SourceJob) (string, error)
}

// SourceBackend renders a scene by authoring engine source, then running it.
type SourceBackend struct {
	kind   models.Backend
	author Author
	engine Engine
}

func NewSourceBackend(kind models.Backend, author Author, engine Engine) *SourceBackend {
	return &SourceBackend{kind: kind, author: author, engine: engine}
}

func (b *SourceBackend) Kind() models.Backend { return b.kind }

func (b *SourceBackend) Render(ctx context.Context, req Request) (*Clip, error) {
	src, err := b.author.WriteSource(ctx, b.kind, req.Scene, req.PriorError)
	if err != nil {
		return nil, err
	}
	path, err := b.engine.RenderSource(ctx, services.SourceJob{
		SceneIndex:  req.Scene.Index,
		Key:         req.JobID.String(),
		Source:      src,
		DurationSec: req.Scene.DurationSec,
		WorkDir:     req.WorkDir,
	})
	if err != nil {
		return nil, err
	}
	return &Clip{Path: path}, nil
}

// FallbackPolicy resolves plan tags to backends and names the alternate
// backend for the single fallback hop.
type FallbackPolicy struct {
	Default models.Backend
}

// Resolve maps a plan tag to a backend; unknown tags get the default.
func (p FallbackPolicy) Resolve(tag string) models.Backend {
	if b, ok := models.ParseBackend(tag); ok {
		return b
	}
	if p.Default != "" {
		return p.Default
	}
	return models.BackendMotion
}

// Alternate returns the other backend.
func (p FallbackPolicy) Alternate(kind models.Backend) models.Backend {
	switch kind {
	case models.BackendProcedural:
		return models.BackendMotion
	case models.BackendMotion:
		return models.BackendProcedural
	}
	return ""
}
