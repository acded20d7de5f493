// Package fabric is the internal wiring between ConnectionShards and
// TileOwners (§5): a NATS-backed stand-in for the literal internal HTTP
// endpoints the spec sketches (/watch, /setCell, /tile-batch, ...),
// reusing the nats.go dependency the teacher already carries
// (go-server/pkg/nats/client.go) rather than hand-rolling a second RPC
// transport.
//
// Tile ownership is statically partitioned across owner nodes by
// shardhash.Mod32(tile.String(), OwnerCount) — the same FNV-1a32 scheme
// the router uses to place a client onto a ConnectionShard — so no
// separate ownership-lookup service is needed: any node can compute which
// owner node a tile belongs to from the tile key alone.
package fabric

import "github.com/adred-codev/gridcore/internal/domain"

func watchSubject(tile domain.TileKey) string {
	return "gridcore.tile." + tile.String() + ".watch"
}

func setCellSubject(tile domain.TileKey) string {
	return "gridcore.tile." + tile.String() + ".setcell"
}

func snapshotSubject(tile domain.TileKey) string {
	return "gridcore.tile." + tile.String() + ".snapshot"
}

func cellLastEditSubject(tile domain.TileKey) string {
	return "gridcore.tile." + tile.String() + ".lastedit"
}

func batchSubject(tile domain.TileKey) string {
	return "gridcore.tile." + tile.String() + ".batch"
}
