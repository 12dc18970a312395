package cli

import (
	"context"
	"fmt"
	"log/slog"

	"tessera/internal/config"
	"tessera/internal/pipeline"
	"tessera/internal/server"
	"tessera/internal/storage"
)

// Version is stamped at build time with -ldflags "-X tessera/internal/cli.Version=...".
var Version = "dev"

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr, watchDir string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr, watchDir string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	if real, ok := pipe.(server.Runner); ok {
		return server.Serve(ctx, addr, store, real, watchDir, log)
	}
	return fmt.Errorf("pipeline does not support server operation")
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
	}
}

// enqueueAndWait submits job and blocks until its result is broadcast.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	id, err := r.enqueue(ctx, job)
	if err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == id {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	id, err := r.pipeline.Submit(job)
	if err != nil {
		return "", err
	}

	r.log.Info("job queued", "type", job.Type, "id", id, "manifest", job.Manifest)
	return id, nil
}
