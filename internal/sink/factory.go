package sink

import (
	"context"
	"fmt"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
)

// NewWarehouse builds the configured warehouse
func NewWarehouse(ctx context.Context, cfg config.WarehouseConfig) (Warehouse, error) {
	switch cfg.Type {
	case "", "stdout":
		return NewStdoutWarehouse(nil), nil
	case "kafka":
		if cfg.Kafka == nil {
			return nil, fmt.Errorf("kafka warehouse requires a kafka section")
		}
		return NewKafkaWarehouse(*cfg.Kafka)
	case "s3":
		if cfg.S3 == nil {
			return nil, fmt.Errorf("s3 warehouse requires an s3 section")
		}
		return NewS3Warehouse(ctx, *cfg.S3)
	case "sql":
		if cfg.SQL == nil {
			return nil, fmt.Errorf("sql warehouse requires a sql section")
		}
		return OpenSQLWarehouse(ctx, *cfg.SQL)
	default:
		return nil, fmt.Errorf("unknown warehouse type: %s", cfg.Type)
	}
}

// NewLiveStatusStore builds the configured live-status store
func NewLiveStatusStore(ctx context.Context, cfg config.LiveStatusConfig) (LiveStatusStore, error) {
	switch cfg.Type {
	case "", "stdout":
		return NewStdoutLiveStatus(nil), nil
	case "elasticsearch":
		if cfg.Elasticsearch == nil {
			return nil, fmt.Errorf("elasticsearch live status requires an elasticsearch section")
		}
		return NewElasticsearchLiveStatus(ctx, *cfg.Elasticsearch)
	default:
		return nil, fmt.Errorf("unknown live status type: %s", cfg.Type)
	}
}
