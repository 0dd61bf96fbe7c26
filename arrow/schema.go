package arrow

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// PeerRow is one row of the peer table.
type PeerRow struct {
	Address        string `json:"address"`
	Advertised     string `json:"advertised,omitempty"`
	Alive          bool   `json:"alive"`
	LastSeenUnixMs int64  `json:"last_seen_unix_ms"`
	Pending        int64  `json:"pending"`
}

// PeerSchema returns the Arrow schema of the peer table.
//
// Fields:
//   - address: string - Connection address (peer set key)
//   - advertised: string (nullable) - Listen address announced by the peer
//   - alive: bool - Result of the last send or liveness probe
//   - last_seen_unix_ms: int64 - Last time the peer was heard from
//   - pending: int64 - Outstanding correlated requests
func PeerSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "address", Type: arrow.BinaryTypes.String},
			{Name: "advertised", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "alive", Type: arrow.FixedWidthTypes.Boolean},
			{Name: "last_seen_unix_ms", Type: arrow.PrimitiveTypes.Int64},
			{Name: "pending", Type: arrow.PrimitiveTypes.Int64},
		},
		nil,
	)
}

// BuildPeerRecord converts rows into a record. The caller must Release it.
func BuildPeerRecord(rows []PeerRow) arrow.Record {
	return buildPeerRecord(memory.DefaultAllocator, rows)
}

func buildPeerRecord(allocator memory.Allocator, rows []PeerRow) arrow.Record {
	builder := array.NewRecordBuilder(allocator, PeerSchema())
	defer builder.Release()

	addressBuilder := builder.Field(0).(*array.StringBuilder)
	advertisedBuilder := builder.Field(1).(*array.StringBuilder)
	aliveBuilder := builder.Field(2).(*array.BooleanBuilder)
	lastSeenBuilder := builder.Field(3).(*array.Int64Builder)
	pendingBuilder := builder.Field(4).(*array.Int64Builder)

	for _, row := range rows {
		addressBuilder.Append(row.Address)
		if row.Advertised != "" {
			advertisedBuilder.Append(row.Advertised)
		} else {
			advertisedBuilder.AppendNull()
		}
		aliveBuilder.Append(row.Alive)
		lastSeenBuilder.Append(row.LastSeenUnixMs)
		pendingBuilder.Append(row.Pending)
	}

	return builder.NewRecord()
}

// PeerRowsFromRecord converts a peer table record back into rows.
func PeerRowsFromRecord(record arrow.Record) ([]PeerRow, error) {
	if record == nil || record.NumRows() == 0 {
		return []PeerRow{}, nil
	}
	if !record.Schema().Equal(PeerSchema()) {
		return nil, errors.New("record does not match the peer schema")
	}

	addressCol, ok := record.Column(0).(*array.String)
	if !ok {
		return nil, errors.New("column 0 (address) is not a String array")
	}
	advertisedCol, ok := record.Column(1).(*array.String)
	if !ok {
		return nil, errors.New("column 1 (advertised) is not a String array")
	}
	aliveCol, ok := record.Column(2).(*array.Boolean)
	if !ok {
		return nil, errors.New("column 2 (alive) is not a Boolean array")
	}
	lastSeenCol, ok := record.Column(3).(*array.Int64)
	if !ok {
		return nil, errors.New("column 3 (last_seen_unix_ms) is not an Int64 array")
	}
	pendingCol, ok := record.Column(4).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("column 4 (pending) is not an Int64 array")
	}

	rows := make([]PeerRow, record.NumRows())
	for i := range rows {
		rows[i] = PeerRow{
			Address:        addressCol.Value(i),
			Alive:          aliveCol.Value(i),
			LastSeenUnixMs: lastSeenCol.Value(i),
			Pending:        pendingCol.Value(i),
		}
		if advertisedCol.IsValid(i) {
			rows[i].Advertised = advertisedCol.Value(i)
		}
	}
	return rows, nil
}
