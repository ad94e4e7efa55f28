package model

import "context"

// AssetEventSink receives new-asset notifications. Delivery is fire and forget.
type AssetEventSink interface {
	OnNewAsset(ctx context.Context, event NewAssetEvent) error
}
