package wire

// Error code string constants carried in Err.Code (§6).
const (
	ErrBadMessage       = "bad_message"
	ErrBadTile          = "bad_tile"
	ErrSubLimit         = "sub_limit"
	ErrChurnLimit       = "churn_limit"
	ErrSetCellLimit     = "setcell_limit"
	ErrNotSubscribed    = "not_subscribed"
	ErrTileSubDenied    = "tile_sub_denied"
	ErrTileReadonlyHot  = "tile_readonly_hot"
	ErrSetCellRejected  = "setcell_rejected"
	ErrInternal         = "internal"
)
