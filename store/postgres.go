package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-engage/model"
)

// Schema is applied by EnsureSchema after the task queue schema.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS opportunities (
		id BIGSERIAL PRIMARY KEY,
		platform TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		target_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		author_followers BIGINT NOT NULL DEFAULT 0,
		likes BIGINT NOT NULL DEFAULT 0,
		replies BIGINT NOT NULL DEFAULT 0,
		hashtags TEXT[] NOT NULL DEFAULT '{}',
		published_at TIMESTAMPTZ NOT NULL,
		category TEXT NOT NULL DEFAULT 'general',
		score DOUBLE PRECISION NOT NULL DEFAULT 0,
		discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE TABLE IF NOT EXISTS engagements (
		id BIGSERIAL PRIMARY KEY,
		platform TEXT NOT NULL,
		opportunity_id BIGINT REFERENCES opportunities(id),
		target_id TEXT NOT NULL DEFAULT '',
		target_url TEXT NOT NULL DEFAULT '',
		comment_text TEXT NOT NULL,
		status TEXT NOT NULL,
		assessment_id BIGINT,
		external_id TEXT NOT NULL DEFAULT '',
		posted_url TEXT NOT NULL DEFAULT '',
		posted_at TIMESTAMPTZ,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS engagements_platform_status_idx ON engagements (platform, status);`,
	`CREATE TABLE IF NOT EXISTS risk_assessments (
		id BIGSERIAL PRIMARY KEY,
		engagement_id BIGINT NOT NULL REFERENCES engagements(id),
		total_score DOUBLE PRECISION NOT NULL,
		blocklist_score DOUBLE PRECISION NOT NULL,
		context_score DOUBLE PRECISION NOT NULL,
		ai_judge_score DOUBLE PRECISION NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		routing_decision TEXT NOT NULL,
		violations JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE TABLE IF NOT EXISTS review_items (
		id BIGSERIAL PRIMARY KEY,
		engagement_id BIGINT NOT NULL REFERENCES engagements(id),
		platform TEXT NOT NULL,
		comment_text TEXT NOT NULL,
		total_score DOUBLE PRECISION NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		reviewer TEXT NOT NULL DEFAULT '',
		decided_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE TABLE IF NOT EXISTS metrics_snapshots (
		engagement_id BIGINT NOT NULL REFERENCES engagements(id),
		checkpoint TEXT NOT NULL,
		likes BIGINT NOT NULL DEFAULT 0,
		replies BIGINT NOT NULL DEFAULT 0,
		impressions BIGINT NOT NULL DEFAULT 0,
		raw JSONB,
		captured_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (engagement_id, checkpoint)
	);`,
}

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, ddl := range Schema {
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply store schema: %w", err)
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const opportunityColumns = `id, platform, url, target_id, title, text, author, author_followers,
	likes, replies, hashtags, published_at, category, score, discovered_at`

func (p *Postgres) InsertOpportunity(ctx context.Context, o *model.Opportunity) (int64, bool, error) {
	hashtags := o.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}
	var id int64
	err := p.db.QueryRow(ctx, `
		INSERT INTO opportunities (platform, url, target_id, title, text, author, author_followers,
			likes, replies, hashtags, published_at, category, score, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`,
		o.Platform, o.URL, o.TargetID, o.Title, o.Text, o.Author, o.AuthorFollowers,
		o.Likes, o.Replies, hashtags, o.PublishedAt, o.Category, o.Score, o.DiscoveredAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("insert opportunity: %w", err)
	}
	if err := p.db.QueryRow(ctx, `SELECT id FROM opportunities WHERE url = $1`, o.URL).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("lookup opportunity: %w", err)
	}
	return id, false, nil
}

func (p *Postgres) GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error) {
	var o model.Opportunity
	err := p.db.QueryRow(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id).Scan(
		&o.ID, &o.Platform, &o.URL, &o.TargetID, &o.Title, &o.Text, &o.Author, &o.AuthorFollowers,
		&o.Likes, &o.Replies, &o.Hashtags, &o.PublishedAt, &o.Category, &o.Score, &o.DiscoveredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get opportunity %d: %w", id, notFound(err))
	}
	return &o, nil
}

const engagementColumns = `id, platform, opportunity_id, target_id, target_url, comment_text, status,
	assessment_id, external_id, posted_url, posted_at, error, created_at, updated_at`

func scanEngagement(row pgx.Row) (*model.Engagement, error) {
	var (
		e      model.Engagement
		status string
	)
	err := row.Scan(&e.ID, &e.Platform, &e.OpportunityID, &e.TargetID, &e.TargetURL, &e.CommentText, &status,
		&e.AssessmentID, &e.ExternalID, &e.PostedURL, &e.PostedAt, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.EngagementStatus(status)
	return &e, nil
}

func (p *Postgres) CreateEngagement(ctx context.Context, e *model.Engagement) (int64, error) {
	status := e.Status
	if status == "" {
		status = model.EngagementDraft
	}
	var id int64
	err := p.db.QueryRow(ctx, `
		INSERT INTO engagements (platform, opportunity_id, target_id, target_url, comment_text, status,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id`,
		e.Platform, e.OpportunityID, e.TargetID, e.TargetURL, e.CommentText, string(status), e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create engagement: %w", err)
	}
	return id, nil
}

func (p *Postgres) GetEngagement(ctx context.Context, id int64) (*model.Engagement, error) {
	e, err := scanEngagement(p.db.QueryRow(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get engagement %d: %w", id, notFound(err))
	}
	return e, nil
}

func (p *Postgres) UpdateEngagement(ctx context.Context, id int64, u EngagementUpdate, now time.Time) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE engagements
		SET status = $2,
			assessment_id = COALESCE($3, assessment_id),
			comment_text = COALESCE($4, comment_text),
			external_id = COALESCE($5, external_id),
			posted_url = COALESCE($6, posted_url),
			posted_at = COALESCE($7, posted_at),
			error = COALESCE($8, error),
			updated_at = $9
		WHERE id = $1`,
		id, string(u.Status), u.AssessmentID, u.CommentText, u.ExternalID, u.PostedURL, u.PostedAt, u.Error, now)
	if err != nil {
		return fmt.Errorf("update engagement %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update engagement %d: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListEngagements(ctx context.Context, f EngagementFilter) ([]model.Engagement, error) {
	var (
		where []string
		args  []any
	)
	if f.Platform != "" {
		args = append(args, f.Platform)
		where = append(where, fmt.Sprintf("platform = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + engagementColumns + ` FROM engagements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list engagements: %w", err)
	}
	defer rows.Close()
	var out []model.Engagement
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertAssessment(ctx context.Context, a *model.RiskAssessment) (int64, error) {
	violations := a.Violations
	if violations == nil {
		violations = []model.Violation{}
	}
	raw, err := json.Marshal(violations)
	if err != nil {
		return 0, fmt.Errorf("encode violations: %w", err)
	}
	var id int64
	err = p.db.QueryRow(ctx, `
		INSERT INTO risk_assessments (engagement_id, total_score, blocklist_score, context_score,
			ai_judge_score, reasoning, routing_decision, violations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		a.EngagementID, a.TotalScore, a.BlocklistScore, a.ContextScore, a.AIJudgeScore,
		a.Reasoning, string(a.RoutingDecision), raw, a.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert assessment: %w", err)
	}
	return id, nil
}

func (p *Postgres) ListAssessments(ctx context.Context, engagementID int64) ([]model.RiskAssessment, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, engagement_id, total_score, blocklist_score, context_score, ai_judge_score,
			reasoning, routing_decision, violations, created_at
		FROM risk_assessments WHERE engagement_id = $1 ORDER BY id`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()
	var out []model.RiskAssessment
	for rows.Next() {
		var (
			a        model.RiskAssessment
			decision string
			raw      []byte
		)
		if err := rows.Scan(&a.ID, &a.EngagementID, &a.TotalScore, &a.BlocklistScore, &a.ContextScore,
			&a.AIJudgeScore, &a.Reasoning, &decision, &raw, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		if err := json.Unmarshal(raw, &a.Violations); err != nil {
			return nil, fmt.Errorf("decode violations: %w", err)
		}
		a.RoutingDecision = model.RoutingDecision(decision)
		out = append(out, a)
	}
	return out, rows.Err()
}

const reviewColumns = `id, engagement_id, platform, comment_text, total_score, reasoning, status,
	reviewer, decided_at, created_at`

func scanReview(row pgx.Row) (*model.ReviewItem, error) {
	var (
		r      model.ReviewItem
		status string
	)
	if err := row.Scan(&r.ID, &r.EngagementID, &r.Platform, &r.CommentText, &r.TotalScore, &r.Reasoning,
		&status, &r.Reviewer, &r.DecidedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Status = model.ReviewStatus(status)
	return &r, nil
}

func (p *Postgres) CreateReview(ctx context.Context, r *model.ReviewItem) (int64, error) {
	var id int64
	err := p.db.QueryRow(ctx, `
		INSERT INTO review_items (engagement_id, platform, comment_text, total_score, reasoning, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		RETURNING id`,
		r.EngagementID, r.Platform, r.CommentText, r.TotalScore, r.Reasoning, r.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create review: %w", err)
	}
	return id, nil
}

func (p *Postgres) GetReview(ctx context.Context, id int64) (*model.ReviewItem, error) {
	r, err := scanReview(p.db.QueryRow(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get review %d: %w", id, notFound(err))
	}
	return r, nil
}

func (p *Postgres) ListReviews(ctx context.Context, f ReviewFilter) ([]model.ReviewItem, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Platform != "" {
		args = append(args, f.Platform)
		where = append(where, fmt.Sprintf("platform = $%d", len(args)))
	}
	query := `SELECT ` + reviewColumns + ` FROM review_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()
	var out []model.ReviewItem
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *Postgres) DecideReview(ctx context.Context, id int64, status model.ReviewStatus, reviewer string, now time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		UPDATE review_items
		SET status = $2, reviewer = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'`, id, string(status), reviewer, now)
	if err != nil {
		return false, fmt.Errorf("decide review %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := p.GetReview(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *Postgres) InsertSnapshot(ctx context.Context, s *model.MetricsSnapshot) (bool, error) {
	var raw []byte
	if len(s.Raw) > 0 {
		raw = s.Raw
	}
	tag, err := p.db.Exec(ctx, `
		INSERT INTO metrics_snapshots (engagement_id, checkpoint, likes, replies, impressions, raw, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (engagement_id, checkpoint) DO NOTHING`,
		s.EngagementID, string(s.Checkpoint), s.Likes, s.Replies, s.Impressions, raw, s.CapturedAt)
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ListSnapshots(ctx context.Context, engagementID int64) ([]model.MetricsSnapshot, error) {
	rows, err := p.db.Query(ctx, `
		SELECT engagement_id, checkpoint, likes, replies, impressions, raw, captured_at
		FROM metrics_snapshots WHERE engagement_id = $1 ORDER BY captured_at`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var out []model.MetricsSnapshot
	for rows.Next() {
		var (
			s          model.MetricsSnapshot
			checkpoint string
			raw        []byte
		)
		if err := rows.Scan(&s.EngagementID, &checkpoint, &s.Likes, &s.Replies, &s.Impressions, &raw, &s.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.Checkpoint = model.Checkpoint(checkpoint)
		s.Raw = raw
		out = append(out, s)
	}
	return out, rows.Err()
}
