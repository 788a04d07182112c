package fare

import (
	"log/slog"
	"math"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// Rate is the per-service-type pricing record.
type Rate struct {
	ServiceType string
	BaseFare    float64
	PerKm       float64
	PerMin      float64
	MinimumFare float64
}

const (
	// Quebec sales taxes, applied additively on the surged subtotal.
	gstRate = 0.05
	qstRate = 0.09975

	driverShare = 0.70

	currency = "CAD"

	DefaultServiceType = "KULOOC X"
)

// rates is the tier table. Unknown tiers fall back to DefaultServiceType so a
// misconfigured request never fails a dispatch pass.
var rates = map[string]Rate{
	"KULOOC X":       {ServiceType: "KULOOC X", BaseFare: 3.50, PerKm: 1.10, PerMin: 0.35, MinimumFare: 8.00},
	"KULOOC XL":      {ServiceType: "KULOOC XL", BaseFare: 5.00, PerKm: 1.75, PerMin: 0.50, MinimumFare: 12.00},
	"KULOOC PREMIUM": {ServiceType: "KULOOC PREMIUM", BaseFare: 7.00, PerKm: 2.40, PerMin: 0.65, MinimumFare: 18.00},
}

// Calculator computes fare breakdowns from trip distance and duration.
type Calculator struct {
	logger *slog.Logger
}

func NewCalculator(logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{logger: logger}
}

// RateFor returns the tier rate, falling back to the default tier for unknown
// service types. The fallback is logged as a warning, never an error.
func (c *Calculator) RateFor(serviceType string) Rate {
	if r, ok := rates[serviceType]; ok {
		return r
	}
	c.logger.Warn("unknown service type, using default tier",
		"service_type", serviceType, "fallback", DefaultServiceType)
	return rates[DefaultServiceType]
}

// Compute produces the full breakdown: base + per-km + per-min, surge applied
// to the subtotal, clamp to the tier minimum, GST and QST on the surged
// subtotal, 70/30 driver/platform split. Each published field is rounded to 2
// decimals as it is produced so drift does not compound across steps.
func (c *Calculator) Compute(distanceKm, durationMin, surgeMultiplier float64, serviceType string) models.FareBreakdown {
	rate := c.RateFor(serviceType)
	if surgeMultiplier < 1.0 {
		surgeMultiplier = 1.0
	}

	distanceFare := round2(distanceKm * rate.PerKm)
	timeFare := round2(durationMin * rate.PerMin)
	subtotal := round2(rate.BaseFare + distanceFare + timeFare)

	surged := round2(subtotal * surgeMultiplier)
	if surged < rate.MinimumFare {
		surged = rate.MinimumFare
	}

	gst := round2(surged * gstRate)
	qst := round2(surged * qstRate)
	total := round2(surged + gst + qst)

	earnings := round2(total * driverShare)
	fee := round2(total - earnings)

	return models.FareBreakdown{
		ServiceType:     rate.ServiceType,
		BaseFare:        rate.BaseFare,
		DistanceFare:    distanceFare,
		TimeFare:        timeFare,
		Subtotal:        subtotal,
		SurgeMultiplier: surgeMultiplier,
		SurgedSubtotal:  surged,
		TaxGST:          gst,
		TaxQST:          qst,
		Total:           total,
		DriverEarnings:  earnings,
		PlatformFee:     fee,
		Currency:        currency,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
