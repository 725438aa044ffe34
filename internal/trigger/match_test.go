package trigger

import (
	"testing"
	"time"

	"replydesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func automation(keyword string, scope models.Scope) *models.Automation {
	return &models.Automation{ID: keyword + "-" + string(scope), Keyword: keyword, Scope: scope, ResponseType: models.ResponseFixed, IsActive: true}
}

func TestMatch(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	inactive := automation("price", models.ScopeBoth)
	inactive.IsActive = false
	expired := automation("price", models.ScopeBoth)
	expired.ExpiresAt = &past
	unexpired := automation("price", models.ScopeDM)
	unexpired.ExpiresAt = &future

	tests := []struct {
		name        string
		automations []*models.Automation
		text        string
		surface     models.Surface
		want        *models.Automation
	}{
		{"case insensitive substring", []*models.Automation{automation("price", models.ScopeDM)}, "what's your PRICE?", models.SurfaceDM, automation("price", models.ScopeDM)},
		{"inactive never matches", []*models.Automation{inactive}, "price", models.SurfaceDM, nil},
		{"expired never matches", []*models.Automation{expired}, "price", models.SurfaceDM, nil},
		{"future expiry matches", []*models.Automation{unexpired}, "price", models.SurfaceDM, unexpired},
		{"dm scope rejects comment", []*models.Automation{automation("price", models.ScopeDM)}, "price", models.SurfaceComment, nil},
		{"comment scope rejects dm", []*models.Automation{automation("price", models.ScopeComment)}, "price", models.SurfaceDM, nil},
		{"both accepts comment", []*models.Automation{automation("price", models.ScopeBoth)}, "price", models.SurfaceComment, automation("price", models.ScopeBoth)},
		{"empty scope is dm", []*models.Automation{automation("price", "")}, "price", models.SurfaceDM, automation("price", "")},
		{"empty scope rejects comment", []*models.Automation{automation("price", "")}, "price", models.SurfaceComment, nil},
		{"empty keyword never matches", []*models.Automation{automation("  ", models.ScopeBoth)}, "anything", models.SurfaceDM, nil},
		{"no keyword in text", []*models.Automation{automation("price", models.ScopeDM)}, "hello", models.SurfaceDM, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.automations, tt.text, tt.surface, now)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want.ID, got.ID)
		})
	}
}

func TestMatch_FirstInOrderWins(t *testing.T) {
	now := time.Now()
	first := automation("pri", models.ScopeDM)
	second := automation("price", models.ScopeDM)

	got := Match([]*models.Automation{first, second}, "price please", models.SurfaceDM, now)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)

	got = Match([]*models.Automation{second, first}, "price please", models.SurfaceDM, now)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
}

func TestMatch_SkipsNonMatchingScopeBeforeLaterMatch(t *testing.T) {
	now := time.Now()
	commentOnly := automation("price", models.ScopeComment)
	dm := automation("price", models.ScopeDM)

	got := Match([]*models.Automation{commentOnly, dm}, "price", models.SurfaceDM, now)
	require.NotNil(t, got)
	assert.Equal(t, dm.ID, got.ID)
}
