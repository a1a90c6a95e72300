package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowanhq/brightside/internal/domain"
)

const teamColumns = `id, org_id, name, working_hours, created_at`

func (q *Queries) CreateTeam(ctx context.Context, t *domain.Team) error {
	hours, err := marshalWorkingHours(t.WorkingHours)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO teams (id, org_id, name, working_hours, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.OrgID, t.Name, hours, t.CreatedAt)
	return err
}

func (q *Queries) GetTeam(ctx context.Context, orgID, teamID uuid.UUID) (*domain.Team, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+teamColumns+` FROM teams
		WHERE org_id = $1 AND id = $2`, orgID, teamID)
	return scanTeam(row)
}

// GetTeamForUpdate locks the team row. Booking creation and moves serialize
// per team through this lock.
func (q *Queries) GetTeamForUpdate(ctx context.Context, orgID, teamID uuid.UUID) (*domain.Team, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+teamColumns+` FROM teams
		WHERE org_id = $1 AND id = $2
		FOR UPDATE`, orgID, teamID)
	return scanTeam(row)
}

// GetDefaultTeam returns the oldest team in the org, or pgx.ErrNoRows.
func (q *Queries) GetDefaultTeam(ctx context.Context, orgID uuid.UUID) (*domain.Team, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+teamColumns+` FROM teams
		WHERE org_id = $1
		ORDER BY created_at, id
		LIMIT 1`, orgID)
	return scanTeam(row)
}

func (q *Queries) ListTeams(ctx context.Context, orgID uuid.UUID) ([]domain.Team, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+teamColumns+` FROM teams
		WHERE org_id = $1
		ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []domain.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *t)
	}
	return teams, rows.Err()
}

// ListActiveWorkers lists active workers in the org; teamID of uuid.Nil means
// all teams.
func (q *Queries) ListActiveWorkers(ctx context.Context, orgID, teamID uuid.UUID) ([]domain.Worker, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, org_id, team_id, name, contact, role, is_active, COALESCE(hourly_rate_cents, 0)
		FROM workers
		WHERE org_id = $1 AND is_active AND ($2::uuid IS NULL OR team_id = $2)
		ORDER BY name, id`, orgID, nullUUID(teamID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.OrgID, &w.TeamID, &w.Name, &w.Contact, &w.Role, &w.IsActive, &w.HourlyRateCents); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (q *Queries) CreateBlackout(ctx context.Context, b *domain.TeamBlackout) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO team_blackouts (id, org_id, team_id, starts_at, ends_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.OrgID, b.TeamID, b.StartsAt, b.EndsAt, nullText(b.Reason))
	return err
}

// ListBlackoutsInWindow returns blackouts overlapping [from, to).
// teamID of uuid.Nil means all teams in the org.
func (q *Queries) ListBlackoutsInWindow(ctx context.Context, orgID, teamID uuid.UUID, from, to time.Time) ([]domain.TeamBlackout, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, org_id, team_id, starts_at, ends_at, COALESCE(reason, '')
		FROM team_blackouts
		WHERE org_id = $1
		  AND ($2::uuid IS NULL OR team_id = $2)
		  AND starts_at < $4 AND ends_at > $3
		ORDER BY starts_at, id`, orgID, nullUUID(teamID), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blackouts []domain.TeamBlackout
	for rows.Next() {
		var b domain.TeamBlackout
		if err := rows.Scan(&b.ID, &b.OrgID, &b.TeamID, &b.StartsAt, &b.EndsAt, &b.Reason); err != nil {
			return nil, err
		}
		b.StartsAt = b.StartsAt.UTC()
		b.EndsAt = b.EndsAt.UTC()
		blackouts = append(blackouts, b)
	}
	return blackouts, rows.Err()
}

func scanTeam(row pgx.Row) (*domain.Team, error) {
	var t domain.Team
	var hours []byte
	if err := row.Scan(&t.ID, &t.OrgID, &t.Name, &hours, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	wh, err := unmarshalWorkingHours(hours)
	if err != nil {
		return nil, err
	}
	t.WorkingHours = wh
	return &t, nil
}

// Working hours persist as JSONB keyed by weekday number (0=Sunday).
type workingHoursDoc struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func marshalWorkingHours(wh map[time.Weekday]domain.WorkingHours) ([]byte, error) {
	doc := make(map[string]workingHoursDoc, len(wh))
	for day, hours := range wh {
		doc[strconv.Itoa(int(day))] = workingHoursDoc{StartMinute: hours.StartMinute, EndMinute: hours.EndMinute}
	}
	return json.Marshal(doc)
}

func unmarshalWorkingHours(raw []byte) (map[time.Weekday]domain.WorkingHours, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc map[string]workingHoursDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode working_hours: %w", err)
	}
	if len(doc) == 0 {
		return nil, nil
	}
	wh := make(map[time.Weekday]domain.WorkingHours, len(doc))
	for key, hours := range doc {
		day, err := strconv.Atoi(key)
		if err != nil || day < 0 || day > 6 {
			return nil, errors.New("decode working_hours: bad weekday key " + key)
		}
		wh[time.Weekday(day)] = domain.WorkingHours{StartMinute: hours.StartMinute, EndMinute: hours.EndMinute}
	}
	return wh, nil
}
