package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gorgonia.org/tensor"
)

// TensorFile is the on-disk JSON container for a single tensor. Preprocessing
// pipelines export images and probability labels in this form; it carries no
// modality-specific metadata.
type TensorFile struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// SaveTensor writes a tensor as JSON.
func SaveTensor(path string, t *tensor.Dense) error {
	data, ok := t.Data().([]float32)
	if !ok {
		return fmt.Errorf("tensor at %s is not float32", path)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create tensor file: %v", err)
	}
	defer file.Close()

	tf := TensorFile{Shape: []int(t.Shape()), Data: data}
	if err := json.NewEncoder(file).Encode(&tf); err != nil {
		return fmt.Errorf("failed to encode tensor: %v", err)
	}
	return nil
}

// LoadTensor reads a JSON tensor file.
func LoadTensor(path string) (*tensor.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tensor file: %v", err)
	}
	defer file.Close()

	var tf TensorFile
	if err := json.NewDecoder(file).Decode(&tf); err != nil {
		return nil, fmt.Errorf("failed to decode tensor %s: %v", path, err)
	}

	size := 1
	for _, d := range tf.Shape {
		size *= d
	}
	if len(tf.Shape) == 0 || size != len(tf.Data) {
		return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", path, tf.Shape, len(tf.Data))
	}
	return tensor.New(tensor.WithShape(tf.Shape...), tensor.WithBacking(tf.Data)), nil
}

// FileSegDataset serves samples listed in a CSV file. The CSV has a header row
// and one or two columns: image path and, for labeled sets, label path. Paths
// are resolved relative to root. Samples are loaded lazily on Get.
type FileSegDataset struct {
	root    string
	records [][]string
}

// NewFileSegDataset parses the CSV listing at csvPath.
func NewFileSegDataset(root, csvPath string) (*FileSegDataset, error) {
	file, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset listing: %v", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset listing %s: %v", csvPath, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("dataset listing %s has no sample rows", csvPath)
	}

	records := rows[1:] // skip header
	for i, row := range records {
		if len(row) < 1 || len(row) > 2 {
			return nil, fmt.Errorf("dataset listing %s row %d: expected 1 or 2 columns, got %d", csvPath, i+1, len(row))
		}
	}
	return &FileSegDataset{root: root, records: records}, nil
}

// Len returns the number of listed samples.
func (ds *FileSegDataset) Len() int {
	return len(ds.records)
}

// Get loads the sample at the given index from disk.
func (ds *FileSegDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(ds.records) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.records))
	}

	row := ds.records[idx]
	image, err := LoadTensor(filepath.Join(ds.root, row[0]))
	if err != nil {
		return nil, err
	}

	s := &Sample{Image: image}
	if len(row) == 2 && row[1] != "" {
		label, err := LoadTensor(filepath.Join(ds.root, row[1]))
		if err != nil {
			return nil, err
		}
		s.Label = label
	}
	return s, nil
}
