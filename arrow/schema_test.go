package arrow

import (
	"bytes"
	"testing"
)

func TestPeerSchema(t *testing.T) {
	schema := PeerSchema()

	if schema.NumFields() != 5 {
		t.Fatalf("Expected 5 fields, got %d", schema.NumFields())
	}

	expectedFields := []struct {
		name     string
		nullable bool
	}{
		{"address", false},
		{"advertised", true},
		{"alive", false},
		{"last_seen_unix_ms", false},
		{"pending", false},
	}

	for i, expected := range expectedFields {
		field := schema.Field(i)
		if field.Name != expected.name {
			t.Errorf("Field %d: expected name %s, got %s", i, expected.name, field.Name)
		}
		if field.Nullable != expected.nullable {
			t.Errorf("Field %s: expected nullable=%v, got %v",
				expected.name, expected.nullable, field.Nullable)
		}
	}
}

func TestBuildPeerRecord(t *testing.T) {
	rows := []PeerRow{
		{Address: "10.0.0.1:7000", Advertised: "10.0.0.1:7000", Alive: true, LastSeenUnixMs: 1700000000000, Pending: 1},
		{Address: "10.0.0.2:51234", Alive: false, LastSeenUnixMs: 1700000001000},
	}

	record := BuildPeerRecord(rows)
	defer record.Release()

	if record.NumRows() != 2 {
		t.Fatalf("Expected 2 rows, got %d", record.NumRows())
	}
	if !record.Column(1).IsNull(1) {
		t.Error("Expected null advertised address for an inbound peer that never announced")
	}

	got, err := PeerRowsFromRecord(record)
	if err != nil {
		t.Fatalf("PeerRowsFromRecord failed: %v", err)
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Errorf("Row %d: expected %+v, got %+v", i, rows[i], got[i])
		}
	}
}

func TestWriteAndReadPeers(t *testing.T) {
	rows := []PeerRow{
		{Address: "a:1", Advertised: "a:1", Alive: true, LastSeenUnixMs: 42, Pending: 0},
		{Address: "b:2", Alive: true, LastSeenUnixMs: 43, Pending: 3},
	}

	var buf bytes.Buffer
	if err := NewIPCWriter().WritePeers(&buf, rows); err != nil {
		t.Fatalf("WritePeers failed: %v", err)
	}

	got, err := ReadPeers(&buf)
	if err != nil {
		t.Fatalf("ReadPeers failed: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("Expected %d rows, got %d", len(rows), len(got))
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Errorf("Row %d: expected %+v, got %+v", i, rows[i], got[i])
		}
	}
}

func TestWritePeersEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	if err := NewIPCWriter().WritePeers(&buf, nil); err != nil {
		t.Fatalf("WritePeers failed: %v", err)
	}

	got, err := ReadPeers(&buf)
	if err != nil {
		t.Fatalf("ReadPeers failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty table, got %d rows", len(got))
	}
}

func TestSerializeToIPC(t *testing.T) {
	record := BuildPeerRecord([]PeerRow{{Address: "a:1", Alive: true}})
	defer record.Release()

	data, err := NewIPCWriter().SerializeToIPC(record)
	if err != nil {
		t.Fatalf("SerializeToIPC failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Expected non-empty IPC data")
	}

	got, err := ReadPeers(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadPeers failed: %v", err)
	}
	if len(got) != 1 || got[0].Address != "a:1" {
		t.Errorf("Unexpected rows: %+v", got)
	}
}
