package cluster

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Snapshot file layout (zstd-compressed, little-endian):
// magic, version, options, point count, then per point the id, coordinates
// and JSON-encoded payload. Levels are cheap to rebuild at catalog scale, so
// only the input set is persisted and Load runs again on restore.
const (
	snapshotMagic   = uint32(0x4b4d5031) // "KMP1"
	snapshotVersion = uint32(1)
)

// SaveSnapshot writes the loaded point set and options to path. Payloads
// are serialized as JSON; payloads that fail to marshal abort the save.
func (idx *Index) SaveSnapshot(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1<<20)
	enc, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	w := &errWriter{w: enc}
	w.write(snapshotMagic)
	w.write(snapshotVersion)
	w.write(int32(idx.opts.MinZoom))
	w.write(int32(idx.opts.MaxZoom))
	w.write(idx.opts.Radius)
	w.write(int32(idx.opts.Extent))
	w.write(uint32(len(idx.points)))

	for _, p := range idx.points {
		w.write(p.ID)
		w.write(p.Lon)
		w.write(p.Lat)

		payload, err := json.Marshal(p.Payload)
		if err != nil {
			enc.Close()
			return fmt.Errorf("failed to marshal point %d payload: %w", p.ID, err)
		}
		w.write(uint32(len(payload)))
		w.writeBytes(payload)
	}
	if w.err != nil {
		enc.Close()
		return fmt.Errorf("failed to write snapshot: %w", w.err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close zstd writer: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return nil
}

// SnapshotPoint is one restored point; the payload stays JSON until the
// caller decides what to decode it into.
type SnapshotPoint struct {
	ID      int64
	Lon     float64
	Lat     float64
	Payload json.RawMessage
}

// LoadSnapshot reads a snapshot written by SaveSnapshot and returns the
// options and point set it contained.
func LoadSnapshot(path string) (Options, []SnapshotPoint, error) {
	var opts Options

	file, err := os.Open(path)
	if err != nil {
		return opts, nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(bufio.NewReaderSize(file, 1<<20))
	if err != nil {
		return opts, nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	r := &errReader{r: dec}
	var magic, version uint32
	r.read(&magic)
	r.read(&version)
	if r.err == nil && (magic != snapshotMagic || version != snapshotVersion) {
		return opts, nil, fmt.Errorf("unrecognized snapshot format (magic %#x, version %d)", magic, version)
	}

	var minZoom, maxZoom, extent int32
	r.read(&minZoom)
	r.read(&maxZoom)
	r.read(&opts.Radius)
	r.read(&extent)
	opts.MinZoom = int(minZoom)
	opts.MaxZoom = int(maxZoom)
	opts.Extent = int(extent)

	var count uint32
	r.read(&count)
	if r.err != nil {
		return opts, nil, fmt.Errorf("failed to read snapshot header: %w", r.err)
	}

	points := make([]SnapshotPoint, count)
	for i := range points {
		r.read(&points[i].ID)
		r.read(&points[i].Lon)
		r.read(&points[i].Lat)

		var payloadLen uint32
		r.read(&payloadLen)
		if r.err != nil {
			return opts, nil, fmt.Errorf("failed to read snapshot point %d: %w", i, r.err)
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(dec, payload); err != nil {
			return opts, nil, fmt.Errorf("failed to read snapshot point %d payload: %w", i, err)
		}
		points[i].Payload = payload
	}

	return opts, points, nil
}

type errWriter struct {
	w   io.Writer
	err error
}

func (w *errWriter) write(v any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

func (w *errWriter) writeBytes(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

type errReader struct {
	r   io.Reader
	err error
}

func (r *errReader) read(v any) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.r, binary.LittleEndian, v)
}
