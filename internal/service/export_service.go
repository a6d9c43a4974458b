package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
	"github.com/noah-isme/rostersync/pkg/export"
)

type exportStore interface {
	Group(id string) (*models.Group, bool)
	Students(filter models.StudentFilter) []*models.Student
	AttendanceList(filter models.AttendanceFilter) []*models.AttendanceRecord
	Assessments(filter models.AssessmentFilter) []*models.AssessmentRecord
	Account(id string) (*models.Account, bool)
}

// SheetFormat selects the rendering for a group sheet.
type SheetFormat string

const (
	SheetCSV SheetFormat = "csv"
	SheetPDF SheetFormat = "pdf"
)

// SheetFile is a rendered group sheet ready to be served.
type SheetFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

// ExportService renders printable group sheets from the local store. Sheets
// reflect whatever state this instance has, including writes still queued for
// the remote.
type ExportService struct {
	store  exportStore
	csv    *export.CSVExporter
	pdf    *export.PDFExporter
	logger *zap.Logger
}

// NewExportService wires the sheet renderers.
func NewExportService(store exportStore, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		store:  store,
		csv:    export.NewCSVExporter(),
		pdf:    export.NewPDFExporter(),
		logger: logger,
	}
}

// GroupSheet builds a per-student summary of attendance and assessment
// results for one group and renders it in the requested format.
func (s *ExportService) GroupSheet(ctx context.Context, actor models.Actor, groupID string, format SheetFormat) (*SheetFile, error) {
	if format != SheetCSV && format != SheetPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	group, ok := s.store.Group(groupID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
	}
	if err := requireGroupAccess(s.store, actor, group); err != nil {
		return nil, err
	}

	sheet := s.buildSheet(group)

	var (
		content []byte
		err     error
	)
	switch format {
	case SheetCSV:
		content, err = s.csv.Render(sheet)
	case SheetPDF:
		content, err = s.pdf.Render(sheet)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "render group sheet")
	}

	s.logger.Info("group sheet rendered",
		zap.String("group_id", group.ID),
		zap.String("format", string(format)),
		zap.Int("bytes", len(content)),
	)
	return &SheetFile{
		Filename:    sheetFilename(group, format),
		ContentType: sheetContentType(format),
		Content:     content,
	}, nil
}

func (s *ExportService) buildSheet(group *models.Group) export.Sheet {
	students := s.store.Students(models.StudentFilter{GroupID: group.ID})
	sort.Slice(students, func(i, j int) bool { return students[i].Name < students[j].Name })

	sheet := export.Sheet{
		Title: fmt.Sprintf("%s %d", group.Name, group.Year),
		Columns: []string{
			"Student", "Code", "Sessions", "Present", "Late", "Absent", "Sick", "Excused", "Assessments", "Avg %",
		},
	}
	for _, st := range students {
		attendance := s.store.AttendanceList(models.AttendanceFilter{StudentID: st.ID})
		counts := map[models.AttendanceStatus]int{}
		for _, att := range attendance {
			counts[att.Status]++
		}

		assessments := s.store.Assessments(models.AssessmentFilter{StudentID: st.ID})
		avg := ""
		if len(assessments) > 0 {
			var sum float64
			for _, a := range assessments {
				sum += a.Score / a.MaxScore * 100
			}
			avg = fmt.Sprintf("%.1f", sum/float64(len(assessments)))
		}

		sheet.Rows = append(sheet.Rows, []string{
			st.Name,
			st.ExternalID,
			fmt.Sprintf("%d", len(attendance)),
			fmt.Sprintf("%d", counts[models.AttendancePresent]),
			fmt.Sprintf("%d", counts[models.AttendanceLate]),
			fmt.Sprintf("%d", counts[models.AttendanceAbsent]),
			fmt.Sprintf("%d", counts[models.AttendanceSick]),
			fmt.Sprintf("%d", counts[models.AttendanceExcused]),
			fmt.Sprintf("%d", len(assessments)),
			avg,
		})
	}
	return sheet
}

func sheetFilename(group *models.Group, format SheetFormat) string {
	slug := strings.ReplaceAll(models.NormalizeGroupName(group.Name), " ", "-")
	return fmt.Sprintf("roster-%s-%d.%s", slug, group.Year, format)
}

func sheetContentType(format SheetFormat) string {
	if format == SheetPDF {
		return "application/pdf"
	}
	return "text/csv"
}
