package ports

import (
	"context"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

// Notifier presenta el estado de los mercados supervisados al operador.
type Notifier interface {
	// Notify muestra los estados ordenados por capital asignado.
	// En la implementación de consola, imprime una tabla formateada.
	Notify(ctx context.Context, statuses []domain.MarketStatus) error
}
