package connector

import (
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/pkg/errs"
)

// New constructs the connector for a configured venue name. An unsupported
// venue is a configuration error and fails fast.
func New(venue string, cfg VenueConfig, logger *zap.Logger, m *metrics.Metrics) (Connector, error) {
	switch venue {
	case VenueBinance:
		return NewBinance(cfg, logger, m), nil
	case VenueCoinbase:
		return NewCoinbase(cfg, logger, m), nil
	case VenueKraken:
		return NewKraken(cfg, logger, m), nil
	}
	return nil, errs.Configurationf("unsupported venue %q", venue)
}
