package mode

import (
	"context"

	"github.com/khaledhikmat/traffic-go/pipeline"
)

type Processor func(canxCtx context.Context, svcs pipeline.ServicesFactory) error
