package training

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tsawler/go-medseg/metrics"
)

// SummaryWriter is the metric sink consumed by the training driver. It
// receives (series name, {phase: value}, step) triples and produces no value
// the core depends on.
type SummaryWriter interface {
	AddScalars(tag string, values map[string]float64, step int) error
	Close() error
}

// LogSummaryWriter prints scalar series to a writer, one line per call.
type LogSummaryWriter struct {
	out io.Writer
}

// NewLogSummaryWriter creates a LogSummaryWriter; a nil writer means stdout.
func NewLogSummaryWriter(out io.Writer) *LogSummaryWriter {
	if out == nil {
		out = os.Stdout
	}
	return &LogSummaryWriter{out: out}
}

func (lw *LogSummaryWriter) AddScalars(tag string, values map[string]float64, step int) error {
	phases := make([]string, 0, len(values))
	for phase := range values {
		phases = append(phases, phase)
	}
	sort.Strings(phases)

	parts := make([]string, len(phases))
	for i, phase := range phases {
		parts[i] = fmt.Sprintf("%s=%.6f", phase, values[phase])
	}
	_, err := fmt.Fprintf(lw.out, "[%d] %s: %s\n", step, tag, strings.Join(parts, " "))
	return err
}

func (lw *LogSummaryWriter) Close() error { return nil }

// CSVSummaryWriter appends scalar series to a run-scoped CSV file with rows
// (step, tag, phase, value). Each writer gets a fresh run id so concurrent or
// repeated runs in the same directory never clobber each other.
type CSVSummaryWriter struct {
	RunID string
	file  *os.File
	w     *csv.Writer
}

// NewCSVSummaryWriter creates the summary file under dir.
func NewCSVSummaryWriter(dir string) (*CSVSummaryWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create summary dir: %v", err)
	}

	runID := uuid.NewString()[:8]
	path := filepath.Join(dir, fmt.Sprintf("scalars_%s.csv", runID))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create summary file: %v", err)
	}

	w := csv.NewWriter(file)
	if err := w.Write([]string{"step", "tag", "phase", "value"}); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write summary header: %v", err)
	}
	return &CSVSummaryWriter{RunID: runID, file: file, w: w}, nil
}

func (cw *CSVSummaryWriter) AddScalars(tag string, values map[string]float64, step int) error {
	phases := make([]string, 0, len(values))
	for phase := range values {
		phases = append(phases, phase)
	}
	sort.Strings(phases)

	for _, phase := range phases {
		row := []string{
			strconv.Itoa(step), tag, phase,
			strconv.FormatFloat(values[phase], 'g', -1, 64),
		}
		if err := cw.w.Write(row); err != nil {
			return fmt.Errorf("failed to write summary row: %v", err)
		}
	}
	cw.w.Flush()
	return cw.w.Error()
}

func (cw *CSVSummaryWriter) Close() error {
	cw.w.Flush()
	if err := cw.w.Error(); err != nil {
		cw.file.Close()
		return err
	}
	return cw.file.Close()
}

// WriteScalars emits one epoch's paired training/validation series: overall
// loss and dice for both phases, the supervised and auxiliary components and
// the applied weight for training only, and one paired series per class.
// auxTag and weightTag name the auxiliary series of the active regime
// (loss_unsup/consis_w for semi-supervised, loss_reg/regular_w for
// weakly-supervised).
func WriteScalars(sw SummaryWriter, train, valid *metrics.Scalars, auxTag, weightTag string, globIt int) error {
	series := []struct {
		tag    string
		values map[string]float64
	}{
		{"loss", map[string]float64{"train": train.Loss, "valid": valid.Loss}},
		{"loss_sup", map[string]float64{"train": train.LossSup}},
		{auxTag, map[string]float64{"train": train.LossAux}},
		{weightTag, map[string]float64{weightTag: train.Weight}},
		{"dice", map[string]float64{"train": train.AvgDice, "valid": valid.AvgDice}},
	}
	for _, s := range series {
		if err := sw.AddScalars(s.tag, s.values, globIt); err != nil {
			return err
		}
	}

	for c := range train.ClassDice {
		values := map[string]float64{"train": train.ClassDice[c]}
		if c < len(valid.ClassDice) {
			values["valid"] = valid.ClassDice[c]
		}
		if err := sw.AddScalars(fmt.Sprintf("class_%d_dice", c), values, globIt); err != nil {
			return err
		}
	}
	return nil
}

// PhaseSummary renders the one-line human readable report for a phase.
func PhaseSummary(phase string, s *metrics.Scalars) string {
	dice := make([]string, len(s.ClassDice))
	for c, d := range s.ClassDice {
		dice[c] = fmt.Sprintf("%.4f", d)
	}
	return fmt.Sprintf("%s loss %.4f, avg dice %.4f [%s]",
		phase, s.Loss, s.AvgDice, strings.Join(dice, " "))
}
