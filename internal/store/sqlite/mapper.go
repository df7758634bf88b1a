// File path: internal/store/sqlite/mapper.go
package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/railforge/tracklayout/internal/layout"
)

func encodeAsset(asset layout.Asset) (string, error) {
	data, err := json.Marshal(asset)
	if err != nil {
		return "", fmt.Errorf("encode %s/%s: %w", asset.AssetKind(), asset.AssetID(), err)
	}
	return string(data), nil
}

func decodeAsset(kind layout.AssetKind, payload string) (layout.Asset, error) {
	var asset layout.Asset
	switch kind {
	case layout.KindTrackNumber:
		asset = &layout.TrackNumber{}
	case layout.KindReferenceLine:
		asset = &layout.ReferenceLine{}
	case layout.KindKmPost:
		asset = &layout.KmPost{}
	case layout.KindLocationTrack:
		asset = &layout.LocationTrack{}
	case layout.KindSwitch:
		asset = &layout.Switch{}
	default:
		return nil, fmt.Errorf("decode asset: unknown kind %q", kind)
	}
	if err := json.Unmarshal([]byte(payload), asset); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return asset, nil
}
