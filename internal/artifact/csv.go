package artifact

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/jengzang/edna-backend-go/internal/models"
)

const csvContentType = "text/csv"

// StandardsKey is the export key of a run's standards table
func StandardsKey(runID string) string { return "runs/" + runID + "/standards.csv" }

// ObservationsKey is the export key of a run's observations table
func ObservationsKey(runID string) string { return "runs/" + runID + "/observations.csv" }

// MatrixKey is the export key of a residual matrix
func MatrixKey(residualID string) string { return "residuals/" + residualID + "/matrix.csv" }

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// WriteStandards renders standards as CSV. Column names match the JSON wire format.
func WriteStandards(standards []models.StandardRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"plate", "known_conc_ul", "log_conc", "replicate", "ct", "detected"})
	for _, s := range standards {
		w.Write([]string{s.PlateID, ftoa(s.KnownConc), ftoa(s.LogConc), strconv.Itoa(s.Replicate), ftoa(s.Ct), strconv.FormatBool(s.Detected)})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// WriteObservations renders observations as CSV
func WriteObservations(observations []models.ObservationRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"index", "x", "y", "time", "plate", "ct", "detected", "response", "log_density"})
	for _, o := range observations {
		w.Write([]string{strconv.Itoa(o.Index), ftoa(o.X), ftoa(o.Y), strconv.Itoa(o.Time), o.PlateID,
			ftoa(o.Ct), strconv.FormatBool(o.Detected), ftoa(o.Response), ftoa(o.LogDensity)})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// WriteMatrix renders an n x draws matrix with a draw_<k> header
func WriteMatrix(m mat.Matrix) ([]byte, error) {
	rows, cols := m.Dims()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := make([]string, cols)
	for j := range header {
		header[j] = fmt.Sprintf("draw_%d", j+1)
	}
	w.Write(header)
	rec := make([]string, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			rec[j] = ftoa(m.At(i, j))
		}
		w.Write(rec)
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ReadMatrix parses a matrix written by WriteMatrix
func ReadMatrix(data []byte) (*mat.Dense, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse matrix csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("matrix csv has no rows")
	}
	rows, cols := len(records)-1, len(records[0])
	out := mat.NewDense(rows, cols, nil)
	for i, rec := range records[1:] {
		for j, field := range rec {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("matrix csv row %d: %w", i+1, err)
			}
			out.Set(i, j, v)
		}
	}
	return out, nil
}

// ExportRun writes the standards and observations tables of a run
func ExportRun(ctx context.Context, store Store, runID string, standards []models.StandardRecord, observations []models.ObservationRecord) ([]Info, error) {
	var infos []Info
	if len(standards) > 0 {
		data, err := WriteStandards(standards)
		if err != nil {
			return nil, err
		}
		info, err := store.Put(ctx, StandardsKey(runID), bytes.NewReader(data), csvContentType)
		if err != nil {
			return nil, fmt.Errorf("export standards: %w", err)
		}
		infos = append(infos, info)
	}
	data, err := WriteObservations(observations)
	if err != nil {
		return nil, err
	}
	info, err := store.Put(ctx, ObservationsKey(runID), bytes.NewReader(data), csvContentType)
	if err != nil {
		return nil, fmt.Errorf("export observations: %w", err)
	}
	return append(infos, info), nil
}

// ExportMatrix writes a residual matrix under MatrixKey(residualID)
func ExportMatrix(ctx context.Context, store Store, residualID string, m mat.Matrix) (Info, error) {
	data, err := WriteMatrix(m)
	if err != nil {
		return Info{}, err
	}
	info, err := store.Put(ctx, MatrixKey(residualID), bytes.NewReader(data), csvContentType)
	if err != nil {
		return Info{}, fmt.Errorf("export residual matrix: %w", err)
	}
	return info, nil
}
