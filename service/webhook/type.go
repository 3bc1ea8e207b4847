package webhook

import (
	"context"

	"github.com/khaledhikmat/traffic-go/model"
)

type IService interface {
	Notify(ctx context.Context, alert model.AlertEvent) error
}
