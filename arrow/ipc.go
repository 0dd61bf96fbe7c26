package arrow

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// StreamContentType is the media type of an Arrow IPC stream.
const StreamContentType = "application/vnd.apache.arrow.stream"

// IPCWriter writes peer tables in the Arrow IPC stream format.
type IPCWriter struct {
	allocator memory.Allocator
}

// NewIPCWriter creates a new IPCWriter.
func NewIPCWriter() *IPCWriter {
	return &IPCWriter{
		allocator: memory.DefaultAllocator,
	}
}

// WriteRecord writes record as a complete IPC stream to out.
func (w *IPCWriter) WriteRecord(out io.Writer, record arrow.Record) error {
	writer := ipc.NewWriter(out, ipc.WithSchema(record.Schema()), ipc.WithAllocator(w.allocator))
	defer writer.Close()

	if err := writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// WritePeers builds the peer table from rows and streams it to out.
func (w *IPCWriter) WritePeers(out io.Writer, rows []PeerRow) error {
	record := buildPeerRecord(w.allocator, rows)
	defer record.Release()
	return w.WriteRecord(out, record)
}

// SerializeToIPC serializes an Arrow Record to IPC bytes.
func (w *IPCWriter) SerializeToIPC(record arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := w.WriteRecord(&buf, record); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadPeers decodes an IPC stream produced by WritePeers.
func ReadPeers(r io.Reader) ([]PeerRow, error) {
	reader, err := ipc.NewReader(r, ipc.WithSchema(PeerSchema()))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	rows := []PeerRow{}
	for reader.Next() {
		batch, err := PeerRowsFromRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return rows, nil
}
