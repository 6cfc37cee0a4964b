package repository

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4/pgxpool"

	"realtimeService/pkg/api"
)

const (
	selectUserProfiles = `SELECT uid, first_name, last_name, email, photo_url, headline, NULL AS company_name
		FROM user_account WHERE uid = ANY($1)`
	selectRecruiterProfiles = `SELECT uid, first_name, last_name, email, photo_url, headline, company_name
		FROM recruiter_account WHERE uid = ANY($1)`
)

// ProfileStorage reads applicant and recruiter profiles from Postgres.
type ProfileStorage struct {
	db *pgxpool.Pool
}

var _ api.ProfileRepository = (*ProfileStorage)(nil)

func NewProfileStorage(db *pgxpool.Pool) *ProfileStorage {
	return &ProfileStorage{db: db}
}

func (s *ProfileStorage) GetProfilesByIds(ctx context.Context, kind api.PartyKind, ids []string) ([]*api.ProfileModel, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := selectUserProfiles
	if kind == api.PartyRecruiter {
		query = selectRecruiterProfiles
	}

	var profiles []*api.ProfileModel
	if err := pgxscan.Select(ctx, s.db, &profiles, query, ids); err != nil {
		return nil, fmt.Errorf("%w: select %s profiles: %v", api.ErrStorage, kind, err)
	}
	return profiles, nil
}
