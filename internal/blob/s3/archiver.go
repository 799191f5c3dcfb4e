package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/composefi/composer/internal/domain"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PositionArchiver serializes fully-closed composite positions to JSON and
// uploads them before the ledger prunes the record. Archiving is the only
// place a closed position survives; the ledger keeps no tombstones.
type PositionArchiver struct {
	writer *Writer
	prefix string
	now    func() time.Time
}

func NewPositionArchiver(writer *Writer, prefix string) *PositionArchiver {
	if prefix == "" {
		prefix = "positions"
	}
	return &PositionArchiver{
		writer: writer,
		prefix: prefix,
		now:    time.Now,
	}
}

// archivedLeg is the serialized form of one leg. Open payloads are archived
// in their raw wire form; live fields are not archived since they are venue
// state, not ledger state.
type archivedLeg struct {
	Manager      string    `json:"manager"`
	VenueKey     string    `json:"venue_key"`
	OpenInfos    string    `json:"open_infos"`
	ClosePending bool      `json:"close_pending"`
	OpenedAt     time.Time `json:"opened_at"`
}

type archivedPosition struct {
	PositionKey string        `json:"position_key"`
	Owner       string        `json:"owner"`
	OpenedAt    time.Time     `json:"opened_at"`
	ArchivedAt  time.Time     `json:"archived_at"`
	Legs        []archivedLeg `json:"legs"`
}

// Archive uploads the position under
// {prefix}/{owner}/{positionKey}-{unixnano}.json.
func (a *PositionArchiver) Archive(ctx context.Context, pos domain.CompositePosition) error {
	archivedAt := a.now().UTC()

	record := archivedPosition{
		PositionKey: pos.PositionKey.Hex(),
		Owner:       pos.Owner.Hex(),
		OpenedAt:    pos.Timestamp,
		ArchivedAt:  archivedAt,
		Legs:        make([]archivedLeg, 0, len(pos.Legs)),
	}
	for _, leg := range pos.Legs {
		record.Legs = append(record.Legs, archivedLeg{
			Manager:      leg.Manager.String(),
			VenueKey:     hexutil.Encode(leg.OpenResult.Key),
			OpenInfos:    hexutil.Encode(leg.OpenResult.Infos),
			ClosePending: leg.ClosePending,
			OpenedAt:     leg.Timestamp,
		})
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("s3blob: marshal position %s: %w", pos.PositionKey.Hex(), err)
	}

	key := fmt.Sprintf("%s/%s/%s-%d.json",
		a.prefix, pos.Owner.Hex(), pos.PositionKey.Hex(), archivedAt.UnixNano())
	return a.writer.Put(ctx, key, bytes.NewReader(data), "application/json")
}
