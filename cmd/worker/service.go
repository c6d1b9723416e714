package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
)

type pinger interface {
	Ping(context.Context) error
}

// runner is a long-lived consumer loop.
type runner interface {
	Run(ctx context.Context) error
}

type namedRunner struct {
	name   string
	runner runner
}

type namedPinger struct {
	name   string
	pinger pinger
}

type ServiceParams struct {
	Config       *config.Config
	Logger       *logger.Logger
	Dependencies []namedPinger
	Runners      []namedRunner
}

// Service runs every consumer in one process and stops them all when any of
// them fails.
type Service struct {
	cfg     *config.Config
	logg    *logger.Logger
	deps    []namedPinger
	runners []namedRunner
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if len(params.Runners) == 0 {
		return nil, errors.New("at least one consumer is required")
	}
	for _, r := range params.Runners {
		if r.runner == nil {
			return nil, fmt.Errorf("%s consumer is required", r.name)
		}
	}
	return &Service{
		cfg:     params.Config,
		logg:    params.Logger,
		deps:    params.Dependencies,
		runners: params.Runners,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, dep := range s.deps {
		if err := pingDependency(ctx, s.logg, dep.name, dep.pinger.Ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		r := r
		group.Go(func() error {
			runCtx := s.logg.WithField(groupCtx, "consumer", r.name)
			s.logg.Info(runCtx, "consumer started")
			err := r.runner.Run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logg.Error(runCtx, "consumer stopped unexpectedly", err)
				return fmt.Errorf("%s: %w", r.name, err)
			}
			s.logg.Info(runCtx, "consumer stopped")
			return err
		})
	}

	err := group.Wait()
	if ctx.Err() != nil {
		s.logg.Info(ctx, "worker context canceled")
		return ctx.Err()
	}
	return err
}
