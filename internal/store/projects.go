package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"go.uber.org/zap"
)

// ResolveProject returns the mapping for slug, or nil when none exists.
func (s *Store) ResolveProject(ctx context.Context, slug string) (*Project, error) {
	p := new(Project)
	err := s.db.NewSelect().
		Model(p).
		Where("?TableAlias.sentry_project_slug = ?", slug).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve project %s: %w", slug, err)
	}
	return p, nil
}

// ListProjects returns every mapping ordered by slug.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	projects := make([]Project, 0)
	if err := s.db.NewSelect().
		Model(&projects).
		OrderExpr("?TableAlias.sentry_project_slug ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// CreateProject inserts a mapping. It returns ErrProjectExists if the slug
// is taken.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if _, err := s.db.NewInsert().Model(p).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrProjectExists
		}
		return fmt.Errorf("create project %s: %w", p.Slug, err)
	}
	return nil
}

// UpdateProject replaces the mutable fields of a mapping.
func (s *Store) UpdateProject(ctx context.Context, slug string, p *Project) (*Project, error) {
	res, err := s.db.NewUpdate().
		Model((*Project)(nil)).
		Set("repo = ?", p.Repo).
		Set("branch = ?", p.Branch).
		Set("language = ?", p.Language).
		Set("framework = ?", p.Framework).
		Set("updated_at = ?", s.now()).
		Where("sentry_project_slug = ?", slug).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("update project %s: %w", slug, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.ResolveProject(ctx, slug)
}

// DeleteProject removes a mapping.
func (s *Store) DeleteProject(ctx context.Context, slug string) error {
	res, err := s.db.NewDelete().
		Model((*Project)(nil)).
		Where("sentry_project_slug = ?", slug).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", slug, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedProjects inserts configured mappings, leaving existing rows alone.
// It returns how many were added.
func (s *Store) SeedProjects(ctx context.Context, seeds map[string]config.ProjectSeed) (int, error) {
	slugs := make([]string, 0, len(seeds))
	for slug := range seeds {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	seeded := 0
	for _, slug := range slugs {
		seed := seeds[slug]
		now := s.now()
		res, err := s.db.NewInsert().
			Model(&Project{
				Slug:      slug,
				Repo:      seed.Repo,
				Branch:    seed.Branch,
				Language:  seed.Language,
				Framework: seed.Framework,
				CreatedAt: now,
				UpdatedAt: now,
			}).
			On("CONFLICT (sentry_project_slug) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return seeded, fmt.Errorf("seed project %s: %w", slug, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			seeded++
		}
	}

	if seeded > 0 {
		s.logger.Info("seeded projects from config", zap.Int("count", seeded))
	}
	return seeded, nil
}
