package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/researchaccelerator-hub/profile-scraper/model"
	"github.com/researchaccelerator-hub/profile-scraper/store"
)

// Display limit for the filtered-out bucket.
const filteredDisplayCap = 10

// Relevance floor for surfacing a filtered-out candidate anyway.
const filteredSurfaceScore = 0.6

// GroupedProfiles is one identity group with its member profiles ranked for
// presentation.
type GroupedProfiles struct {
	Group    model.IdentityGroup      `json:"group"`
	Profiles []model.CandidateProfile `json:"profiles"`
}

// PresentationView buckets a job's identity groups by their best profile's
// selection state. The filtered-out bucket is capped and only carries groups
// whose candidates show a genuinely interesting signal, so low-value noise
// never floods the view.
type PresentationView struct {
	TopPicks    []GroupedProfiles `json:"top_picks"`
	Shortlist   []GroupedProfiles `json:"shortlist"`
	FilteredOut []GroupedProfiles `json:"filtered_out"`
}

var statePriority = map[model.SelectionState]int{
	model.SelectionTopPick:     5,
	model.SelectionApproved:    4,
	model.SelectionShortlisted: 3,
	model.SelectionDiscovered:  2,
	model.SelectionFilteredOut: 1,
	model.SelectionRejected:    0,
}

// BuildView assembles the presentation view for a job: profiles grouped by
// identity, ranked within each group by selection-state priority then score
// descending, and groups bucketed by their best-ranked profile.
func BuildView(ctx context.Context, st store.Store, jobID string) (PresentationView, error) {
	groups, err := st.FindIdentityGroups(ctx, jobID)
	if err != nil {
		return PresentationView{}, fmt.Errorf("failed to list identity groups for job %s: %w", jobID, err)
	}
	profiles, err := st.FindCandidateProfiles(ctx, jobID, store.ProfileFilter{})
	if err != nil {
		return PresentationView{}, fmt.Errorf("failed to list candidate profiles for job %s: %w", jobID, err)
	}

	byGroup := make(map[string][]model.CandidateProfile)
	for _, profile := range profiles {
		byGroup[profile.IdentityGroupID] = append(byGroup[profile.IdentityGroupID], profile)
	}

	var view PresentationView
	for _, group := range groups {
		members := byGroup[group.ID]
		if len(members) == 0 {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool {
			pi, pj := statePriority[members[i].Selection], statePriority[members[j].Selection]
			if pi != pj {
				return pi > pj
			}
			return members[i].Score > members[j].Score
		})

		grouped := GroupedProfiles{Group: group, Profiles: members}
		switch members[0].Selection {
		case model.SelectionTopPick:
			view.TopPicks = append(view.TopPicks, grouped)
		case model.SelectionApproved, model.SelectionShortlisted:
			view.Shortlist = append(view.Shortlist, grouped)
		default:
			if len(view.FilteredOut) < filteredDisplayCap && worthSurfacing(members) {
				view.FilteredOut = append(view.FilteredOut, grouped)
			}
		}
	}

	return view, nil
}

// worthSurfacing reports whether a filtered group still carries an
// interesting edge case: a verified high-relevance candidate, or a
// high-confidence unavailability diagnostic.
func worthSurfacing(members []model.CandidateProfile) bool {
	for _, profile := range members {
		if profile.Availability == model.AvailabilityVerified && profile.Score >= filteredSurfaceScore {
			return true
		}
		if profile.Availability == model.AvailabilityUnavailable && profile.AvailabilityReason != "" {
			return true
		}
	}
	return false
}
