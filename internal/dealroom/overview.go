package dealroom

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Overview aggregates the dashboard view of one project for one session.
// Pieces that fail to load are left nil or empty.
type Overview struct {
	DealRoom            *DealRoom   `json:"deal_room"`
	LatestVersion       *Version    `json:"latest_version"`
	SaveStatus          *SaveStatus `json:"save_status"`
	UnresolvedConflicts []Conflict  `json:"unresolved_conflicts"`
}

// GetOverview loads the overview pieces concurrently. Individual failures are
// logged and do not fail the call. An empty session id skips the save status.
func (s *Service) GetOverview(ctx context.Context, projectID ProjectID, sessionID SessionID) (Overview, error) {
	if _, err := NewProjectID(projectID.String()); err != nil {
		return Overview{}, newValidationError(FieldError{Field: fieldProjectID, Message: err.Error()})
	}

	var (
		overview  = Overview{UnresolvedConflicts: []Conflict{}}
		group, gc = errgroup.WithContext(ctx)
		fields    = zap.String(fieldProjectID, projectID.String())
	)

	group.Go(func() error {
		room, err := s.rooms.Get(gc, projectID)
		if err != nil {
			s.loggerOrDefault().Debug("overview deal room unavailable", fields, zap.Error(err))
			return nil
		}
		overview.DealRoom = &room
		return nil
	})

	group.Go(func() error {
		versions, err := s.versions.List(gc, projectID, 1)
		if err != nil {
			s.loggerOrDefault().Debug("overview latest version unavailable", fields, zap.Error(err))
			return nil
		}
		if len(versions) > 0 {
			overview.LatestVersion = &versions[0]
		}
		return nil
	})

	if sessionID.String() != "" {
		group.Go(func() error {
			status := s.GetSaveStatus(gc, projectID, sessionID)
			overview.SaveStatus = &status
			return nil
		})
	}

	group.Go(func() error {
		conflicts, err := s.conflicts.ListUnresolved(gc, projectID)
		if err != nil {
			s.loggerOrDefault().Debug("overview conflicts unavailable", fields, zap.Error(err))
			return nil
		}
		if conflicts != nil {
			overview.UnresolvedConflicts = conflicts
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return Overview{}, err
	}
	return overview, nil
}
