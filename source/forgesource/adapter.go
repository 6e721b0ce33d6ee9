// Package forgesource implements a source.Adapter over Git forge issue
// trackers (Gitea and GitLab), emitting each issue as an entity.Entity.
package forgesource

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"code.gitea.io/sdk/gitea"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/evalgo/airweave-sync/entity"
	"github.com/evalgo/airweave-sync/source"
)

// Kind selects which forge backend this adapter talks to.
type Kind string

const (
	KindGitea  Kind = "gitea"
	KindGitLab Kind = "gitlab"
)

// Config configures a forge connection.
type Config struct {
	Kind       Kind
	BaseURL    string
	Token      string
	Owner      string // Gitea: owner/org. GitLab: unused, ProjectID is the full path.
	Repo       string // Gitea repository name
	ProjectID  string // GitLab project path or numeric ID
	PageSize   int
	Policy     source.Policy
}

// Adapter streams issues from a single Gitea repository or GitLab project.
type Adapter struct {
	*source.BaseAdapter
	cfg        Config
	giteaClt   *gitea.Client
	gitlabClt  *gitlab.Client
}

// New builds a forgesource.Adapter from Config, dialing the appropriate SDK
// client eagerly so configuration errors surface at construction time
// rather than on the first Generate call.
func New(cfg Config) (*Adapter, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	policy := cfg.Policy
	if policy == (source.Policy{}) {
		policy = source.DefaultPolicy()
	}
	a := &Adapter{BaseAdapter: source.NewBaseAdapter(policy), cfg: cfg}

	switch cfg.Kind {
	case KindGitea:
		clt, err := gitea.NewClient(cfg.BaseURL, gitea.SetToken(cfg.Token))
		if err != nil {
			return nil, fmt.Errorf("forgesource: creating gitea client: %w", err)
		}
		a.giteaClt = clt
	case KindGitLab:
		clt, err := gitlab.NewClient(cfg.Token, gitlab.WithBaseURL(cfg.BaseURL+"/api/v4"))
		if err != nil {
			return nil, fmt.Errorf("forgesource: creating gitlab client: %w", err)
		}
		a.gitlabClt = clt
	default:
		return nil, fmt.Errorf("forgesource: unknown kind %q", cfg.Kind)
	}
	return a, nil
}

// Name implements source.Adapter.
func (a *Adapter) Name() string {
	return "forge_" + string(a.cfg.Kind)
}

// Generate implements source.Adapter. Cursor.Value holds the highest issue
// "updated_at" timestamp seen in the previous run (RFC3339); issues older
// than or equal to that are skipped on an incremental sync.
func (a *Adapter) Generate(ctx context.Context, cursor *Cursor, emit source.EmitFunc) (*source.Cursor, error) {
	var since time.Time
	if cursor != nil && cursor.Value != "" {
		parsed, err := time.Parse(time.RFC3339, cursor.Value)
		if err == nil {
			since = parsed
		}
	}

	var newest time.Time
	switch a.cfg.Kind {
	case KindGitea:
		n, err := a.generateGitea(ctx, since, emit)
		if err != nil {
			return nil, err
		}
		newest = n
	case KindGitLab:
		n, err := a.generateGitLab(ctx, since, emit)
		if err != nil {
			return nil, err
		}
		newest = n
	}

	if newest.IsZero() {
		return cursor, nil
	}
	return &source.Cursor{Value: newest.Format(time.RFC3339)}, nil
}

// Cursor is a type alias so call sites in this file read naturally; the
// adapter ABI's concrete type lives in package source.
type Cursor = source.Cursor

func (a *Adapter) generateGitea(ctx context.Context, since time.Time, emit source.EmitFunc) (time.Time, error) {
	var newest time.Time
	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return newest, err
		}

		var issues []*gitea.Issue
		err := a.Retry(ctx, func() error {
			result, _, err := a.giteaClt.ListRepoIssues(a.cfg.Owner, a.cfg.Repo, gitea.ListIssueOption{
				ListOptions: gitea.ListOptions{Page: page, PageSize: a.cfg.PageSize},
				Type:        gitea.IssueTypeIssue,
			})
			issues = result
			return err
		})
		if err != nil {
			return newest, fmt.Errorf("forgesource: listing gitea issues: %w", err)
		}
		if len(issues) == 0 {
			break
		}

		for _, issue := range issues {
			if !issue.Updated.After(since) {
				continue
			}
			if issue.Updated.After(newest) {
				newest = issue.Updated
			}
			ent := entity.Entity{
				EntityID:   strconv.FormatInt(issue.Index, 10),
				EntityType: "forge_issue",
				Fields: map[string]any{
					"title":      issue.Title,
					"body":       issue.Body,
					"state":      string(issue.State),
					"repository": a.cfg.Owner + "/" + a.cfg.Repo,
					"url":        issue.HTMLURL,
					"updated_at": issue.Updated,
				},
				UpdatedAt: issue.Updated,
				CreatedAt: issue.Created,
			}
			if err := emit(ctx, ent); err != nil {
				return newest, err
			}
		}
		page++
	}
	return newest, nil
}

func (a *Adapter) generateGitLab(ctx context.Context, since time.Time, emit source.EmitFunc) (time.Time, error) {
	var newest time.Time
	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return newest, err
		}

		var issues []*gitlab.Issue
		err := a.Retry(ctx, func() error {
			opts := &gitlab.ListProjectIssuesOptions{
				ListOptions: gitlab.ListOptions{Page: page, PerPage: a.cfg.PageSize},
			}
			if !since.IsZero() {
				opts.UpdatedAfter = &since
			}
			result, _, err := a.gitlabClt.Issues.ListProjectIssues(a.cfg.ProjectID, opts)
			issues = result
			return err
		})
		if err != nil {
			return newest, fmt.Errorf("forgesource: listing gitlab issues: %w", err)
		}
		if len(issues) == 0 {
			break
		}

		for _, issue := range issues {
			updated := time.Time{}
			if issue.UpdatedAt != nil {
				updated = *issue.UpdatedAt
			}
			if updated.After(newest) {
				newest = updated
			}
			ent := entity.Entity{
				EntityID:   strconv.Itoa(issue.IID),
				EntityType: "forge_issue",
				Fields: map[string]any{
					"title":      issue.Title,
					"body":       issue.Description,
					"state":      issue.State,
					"repository": a.cfg.ProjectID,
					"url":        issue.WebURL,
					"updated_at": updated,
				},
				UpdatedAt: updated,
			}
			if err := emit(ctx, ent); err != nil {
				return newest, err
			}
		}
		page++
	}
	return newest, nil
}
