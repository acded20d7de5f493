package connshard

import (
	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/fabric"
)

// FabricLink adapts *fabric.Client to the Shard's ownerLink interface —
// the only difference is SubscribeBatch's return type, narrowed here to
// the local batchSub interface so Shard never depends on *nats.Subscription
// directly.
type FabricLink struct {
	Client *fabric.Client
}

func (f FabricLink) Watch(tile domain.TileKey, shardName, action string) (bool, string, error) {
	return f.Client.Watch(tile, shardName, action)
}

func (f FabricLink) SetCell(tile domain.TileKey, args fabric.SetCellArgs) (fabric.SetCellOutcome, error) {
	return f.Client.SetCell(tile, args)
}

func (f FabricLink) Snapshot(tile domain.TileKey) (uint32, string, []byte, error) {
	return f.Client.Snapshot(tile)
}

func (f FabricLink) CellLastEdit(tile domain.TileKey, i domain.CellIndex) (fabric.CellLastEditResult, error) {
	return f.Client.CellLastEdit(tile, i)
}

func (f FabricLink) SubscribeBatch(tile domain.TileKey, handler fabric.BatchHandler) (batchSub, error) {
	return f.Client.SubscribeBatch(tile, handler)
}
