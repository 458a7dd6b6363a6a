package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

// Journal persiste legs, fills y resúmenes. El engine nunca confía solo en
// memoria: cada fill queda registrado exactamente una vez.
type Journal interface {
	ApplySchema(ctx context.Context) error

	// Legs
	SaveLeg(ctx context.Context, leg domain.OrderLeg) error
	UpdateLeg(ctx context.Context, leg domain.OrderLeg) error
	OpenLegs(ctx context.Context) ([]domain.OrderLeg, error)

	// Fills. SaveFill devuelve false (sin error) si el fill ya estaba
	// registrado para ese (venue_id, cumulative_qty).
	SaveFill(ctx context.Context, fill domain.FillRecord) (bool, error)
	FillsByMarket(ctx context.Context, conditionID string) ([]domain.FillRecord, error)

	// Round trips y resúmenes
	SaveRoundTrip(ctx context.Context, rt domain.RoundTrip) error
	SaveDailySummary(ctx context.Context, d domain.DailySummary) error
	RoundTrips(ctx context.Context) ([]domain.RoundTrip, error)

	// ActivityCounts agrega la actividad registrada desde `since` para el
	// resumen diario.
	ActivityCounts(ctx context.Context, since time.Time) (domain.ActivityCounts, error)

	Close() error
}
