package snapshotstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sandeepkv93/parallel-galaxy-simulation/barneshutsim"
)

// Snapshots are persisted as NumPy .npy v1.0 frames of shape (N, 7):
// [mass, x, y, z, vx, vy, vz] per body, little-endian float64. Repeated
// frames are concatenated in a single evolution file, which is exactly
// what numpy.save produces when called on an open file handle, so the
// original analysis tooling can read the output unchanged.

const (
	npyMagic       = "\x93NUMPY"
	BodyColumns    = 7
	headerAlign    = 64
	maxHeaderBytes = 4096
)

func writeFrame(w io.Writer, rows, cols int, data []float64) error {
	if len(data) != rows*cols {
		return fmt.Errorf("snapshotstore: frame has %d values, want %d*%d", len(data), rows, cols)
	}

	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", rows, cols)
	total := len(npyMagic) + 2 + 2 + len(header) + 1
	pad := (headerAlign - total%headerAlign) % headerAlign
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	buf.WriteString(header)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("snapshotstore: writing frame header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("snapshotstore: writing frame data: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (rows, cols int, data []float64, err error) {
	head := make([]byte, len(npyMagic)+2+2)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.EOF {
			return 0, 0, nil, io.EOF
		}
		return 0, 0, nil, fmt.Errorf("snapshotstore: reading frame header: %w", err)
	}
	if string(head[:len(npyMagic)]) != npyMagic {
		return 0, 0, nil, fmt.Errorf("snapshotstore: bad magic %q", head[:len(npyMagic)])
	}
	if head[6] != 1 {
		return 0, 0, nil, fmt.Errorf("snapshotstore: unsupported npy version %d.%d", head[6], head[7])
	}

	headerLen := binary.LittleEndian.Uint16(head[8:10])
	if int(headerLen) > maxHeaderBytes {
		return 0, 0, nil, fmt.Errorf("snapshotstore: header length %d too large", headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, nil, fmt.Errorf("snapshotstore: reading frame header: %w", err)
	}

	rows, cols, err = parseShape(string(header))
	if err != nil {
		return 0, 0, nil, err
	}
	if !strings.Contains(string(header), "'<f8'") {
		return 0, 0, nil, fmt.Errorf("snapshotstore: unsupported dtype in header %q", header)
	}

	data = make([]float64, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return 0, 0, nil, fmt.Errorf("snapshotstore: reading frame data: %w", err)
	}
	return rows, cols, data, nil
}

func parseShape(header string) (rows, cols int, err error) {
	open := strings.Index(header, "(")
	end := strings.Index(header, ")")
	if open < 0 || end < open {
		return 0, 0, fmt.Errorf("snapshotstore: no shape tuple in header %q", header)
	}
	parts := strings.Split(header[open+1:end], ",")
	dims := make([]int, 0, 2)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, fmt.Errorf("snapshotstore: bad shape dimension %q: %w", p, err)
		}
		dims = append(dims, d)
	}
	if len(dims) != 2 {
		return 0, 0, fmt.Errorf("snapshotstore: expected 2-d frame, got shape %v", dims)
	}
	return dims[0], dims[1], nil
}

func bodiesToRow(masses []float64, positions, velocities []barneshutsim.Vector3D) []float64 {
	data := make([]float64, 0, len(masses)*BodyColumns)
	for i := range masses {
		data = append(data,
			masses[i],
			positions[i].X, positions[i].Y, positions[i].Z,
			velocities[i].X, velocities[i].Y, velocities[i].Z)
	}
	return data
}

// Store appends snapshot frames to an evolution file. It implements
// barneshutsim.SnapshotWriter.
type Store struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

func Create(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("snapshotstore: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: %w", err)
	}
	return &Store{file: file, buf: bufio.NewWriter(file)}, nil
}

func (s *Store) WriteSnapshot(snap barneshutsim.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := bodiesToRow(snap.Masses, snap.Positions, snap.Velocities)
	return writeFrame(s.buf, len(snap.Masses), BodyColumns, data)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// Frame is one decoded snapshot.
type Frame struct {
	Masses     []float64
	Positions  []barneshutsim.Vector3D
	Velocities []barneshutsim.Vector3D
}

func frameFromRow(rows, cols int, data []float64) (Frame, error) {
	if cols != BodyColumns {
		return Frame{}, fmt.Errorf("snapshotstore: expected %d columns, got %d", BodyColumns, cols)
	}
	frame := Frame{
		Masses:     make([]float64, rows),
		Positions:  make([]barneshutsim.Vector3D, rows),
		Velocities: make([]barneshutsim.Vector3D, rows),
	}
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		frame.Masses[i] = row[0]
		frame.Positions[i] = barneshutsim.Vector3D{X: row[1], Y: row[2], Z: row[3]}
		frame.Velocities[i] = barneshutsim.Vector3D{X: row[4], Y: row[5], Z: row[6]}
	}
	return frame, nil
}

// Reader iterates the frames of an evolution file in write order.
type Reader struct {
	file *os.File
	buf  *bufio.Reader
}

func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: %w", err)
	}
	return &Reader{file: file, buf: bufio.NewReader(file)}, nil
}

// Next returns the next frame, or io.EOF after the last one.
func (r *Reader) Next() (Frame, error) {
	rows, cols, data, err := readFrame(r.buf)
	if err != nil {
		return Frame{}, err
	}
	return frameFromRow(rows, cols, data)
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// WriteBodies persists a single-frame .npy file with the given body
// collection, used for the initial state.
func WriteBodies(path string, bodies []*barneshutsim.Body) error {
	masses := make([]float64, len(bodies))
	positions := make([]barneshutsim.Vector3D, len(bodies))
	velocities := make([]barneshutsim.Vector3D, len(bodies))
	for i, b := range bodies {
		masses[i] = b.Mass
		positions[i] = b.Position
		velocities[i] = b.Velocity
	}

	store, err := Create(path)
	if err != nil {
		return err
	}
	if err := store.WriteSnapshot(barneshutsim.Snapshot{
		Masses:     masses,
		Positions:  positions,
		Velocities: velocities,
	}); err != nil {
		store.Close()
		return err
	}
	return store.Close()
}

// ReadBodies loads a body collection back from a single-frame file.
func ReadBodies(path string) ([]*barneshutsim.Body, error) {
	reader, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	frame, err := reader.Next()
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: reading %s: %w", path, err)
	}

	bodies := make([]*barneshutsim.Body, len(frame.Masses))
	for i := range bodies {
		bodies[i] = barneshutsim.NewBody(i, frame.Masses[i], frame.Positions[i], frame.Velocities[i])
	}
	return bodies, nil
}

// AppendTable writes one (N, 2) frame of paired columns, used for the
// derived tangent-velocity tables.
func AppendTable(w io.Writer, xs, ys []float64) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("snapshotstore: column length mismatch %d vs %d", len(xs), len(ys))
	}
	data := make([]float64, 0, 2*len(xs))
	for i := range xs {
		data = append(data, xs[i], ys[i])
	}
	return writeFrame(w, len(xs), 2, data)
}

// ReadTable decodes one (N, 2) frame written by AppendTable.
func ReadTable(r io.Reader) (xs, ys []float64, err error) {
	rows, cols, data, err := readFrame(r)
	if err != nil {
		return nil, nil, err
	}
	if cols != 2 {
		return nil, nil, fmt.Errorf("snapshotstore: expected 2 columns, got %d", cols)
	}
	xs = make([]float64, rows)
	ys = make([]float64, rows)
	for i := 0; i < rows; i++ {
		xs[i] = data[2*i]
		ys[i] = data[2*i+1]
	}
	return xs, ys, nil
}
