package export

import (
	"fmt"
	"time"

	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/xuri/excelize/v2"
)

const historySheet = "Downloads"

var historyHeaders = []string{
	"Download ID",
	"Title",
	"Source URL",
	"Quality (kbps)",
	"Status",
	"File Size (bytes)",
	"Created At",
	"Completed At",
	"Error",
}

// HistoryXLSX renders jobs as a single-sheet workbook and returns its bytes.
func HistoryXLSX(jobs []domain.Job) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	for i, header := range historyHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(historySheet, cell, header)
	}

	for index, job := range jobs {
		row := index + 2
		write := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(historySheet, cell, value)
		}

		write(1, job.ID)
		write(2, job.Title)
		write(3, job.SourceURL)
		write(4, string(job.Quality))
		write(5, string(job.Status))
		if job.Status == domain.JobStatusCompleted {
			write(6, job.ArtifactSize)
		}
		write(7, job.CreatedAt.UTC().Format(time.RFC3339))
		if job.CompletedAt != nil {
			write(8, job.CompletedAt.UTC().Format(time.RFC3339))
		}
		write(9, job.ErrorMessage)
	}

	_ = f.SetColWidth(historySheet, "A", "A", 12)
	_ = f.SetColWidth(historySheet, "B", "B", 40)
	_ = f.SetColWidth(historySheet, "C", "C", 48)
	_ = f.SetColWidth(historySheet, "D", "F", 16)
	_ = f.SetColWidth(historySheet, "G", "H", 22)
	_ = f.SetColWidth(historySheet, "I", "I", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
