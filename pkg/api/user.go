package api

import (
	"context"

	"github.com/samber/lo"
)

type ProfileRepository interface {
	GetProfilesByIds(ctx context.Context, kind PartyKind, ids []string) ([]*ProfileModel, error)
}

// ProfileService resolves display profiles for parties. A nil *ProfileService
// resolves nothing, which is how the service runs without a profile database.
type ProfileService struct {
	storage ProfileRepository
}

func NewProfileService(repository ProfileRepository) *ProfileService {
	return &ProfileService{storage: repository}
}

// Lookup returns the profiles found for parties, keyed by party id.
func (p *ProfileService) Lookup(ctx context.Context, parties []Party) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(parties))
	if p == nil || p.storage == nil || len(parties) == 0 {
		return profiles, nil
	}

	byKind := lo.GroupBy(lo.UniqBy(parties, func(party Party) string { return party.Id }), func(party Party) PartyKind {
		return party.Kind
	})

	for kind, group := range byKind {
		ids := lo.Map(group, func(party Party, _ int) string { return party.Id })
		models, err := p.storage.GetProfilesByIds(ctx, kind, ids)
		if err != nil {
			return nil, err
		}
		for _, model := range models {
			profiles[model.UID] = model.ConvertToDTO(kind)
		}
	}

	return profiles, nil
}
