// internal/membership/export.go
package membership

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ExportHeader is the first line of every export.
var ExportHeader = []string{"memberNo", "name", "email", "phone", "region", "orgId", "active"}

// Export builds the admin membership listing from two bounded bulk reads.
// The active column comes from the membership records, never from the cached
// status. Any failure aborts the whole export.
func (s *service) Export(ctx context.Context, actor *Actor) ([]ExportRow, error) {
	if err := s.check(ctx, actor, "export", AuthorizeAdmin(actor)); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.exportTimeout)
	defer cancel()
	now := s.now().UTC()

	members, err := s.store.ListMembersForExport(ctx, s.exportMaxRows+1)
	if err != nil {
		return nil, s.exportFailed(ctx, "list members", err)
	}
	if len(members) > s.exportMaxRows {
		return nil, s.exportFailed(ctx, "list members", fmt.Errorf("more than %d members", s.exportMaxRows))
	}

	ids, err := s.store.ActiveMemberIDs(ctx, now, s.exportMaxRows+1)
	if err != nil {
		return nil, s.exportFailed(ctx, "list active memberships", err)
	}
	if len(ids) > s.exportMaxRows {
		return nil, s.exportFailed(ctx, "list active memberships", fmt.Errorf("more than %d active members", s.exportMaxRows))
	}
	if err := ctx.Err(); err != nil {
		return nil, s.exportFailed(ctx, "export", err)
	}

	active := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		active[id] = struct{}{}
	}

	rows := make([]ExportRow, 0, len(members))
	for _, m := range members {
		_, ok := active[m.ID]
		rows = append(rows, ExportRow{
			MemberNo: m.MemberNo,
			Name:     m.Name,
			Email:    m.Email,
			Phone:    m.Phone,
			Region:   m.Region,
			OrgID:    m.OrgID,
			Active:   ok,
		})
	}

	s.logger.InfoContext(ctx, "export built", "rows", len(rows), "active", len(active), "by", actor.UID)
	return rows, nil
}

func (s *service) exportFailed(ctx context.Context, step string, err error) error {
	s.logger.ErrorContext(ctx, "export aborted", "step", step, "error", err)
	return wrapError(CodeUpstreamUnavailable, "export aborted: "+step, err)
}

// WriteExportCSV renders rows with the export header, active as yes or no.
func WriteExportCSV(w io.Writer, rows []ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return fmt.Errorf("write export header: %w", err)
	}
	for _, r := range rows {
		active := "no"
		if r.Active {
			active = "yes"
		}
		record := []string{r.MemberNo, r.Name, r.Email, r.Phone, string(r.Region), r.OrgID, active}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write export row %s: %w", r.MemberNo, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
