package model

// GpuSku is a provider GPU offering. Read-only reference data.
type GpuSku struct {
	ID                 string  `json:"id"`
	DisplayName        string  `json:"displayName"`
	MaxGpuCount        int     `json:"maxGpuCount"`
	MemoryGB           int     `json:"memoryInGb"`
	SecureAvailable    bool    `json:"secureCloud"`
	CommunityAvailable bool    `json:"communityCloud"`
	SecurePrice        float64 `json:"securePrice"`
	CommunityPrice     float64 `json:"communityPrice"`
}

// AvailableIn reports whether the SKU can be allocated on the given tier.
func (g GpuSku) AvailableIn(tier CloudTier) bool {
	switch tier {
	case TierSecure:
		return g.SecureAvailable
	case TierCommunity:
		return g.CommunityAvailable
	default:
		return g.SecureAvailable || g.CommunityAvailable
	}
}

// FilterSkus keeps the SKUs available on tier, preserving order.
func FilterSkus(skus []GpuSku, tier CloudTier) []GpuSku {
	var out []GpuSku
	for _, s := range skus {
		if s.AvailableIn(tier) {
			out = append(out, s)
		}
	}
	return out
}
