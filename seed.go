package posbase

import (
	"context"
)

// Seeder loads the initial production dataset for a new deployment: menu
// dishes, hotel and KTV rooms, payment methods and system settings.
//
// Seeding is a destructive bulk write, so it refuses to run against the
// in-process fallback: data written there evaporates on restart, and the
// operator almost certainly meant to target a real backend.
type Seeder struct {
	storage *Storage
	logger  Logger
}

// NewSeeder creates a seeder over the storage facade
func NewSeeder(storage *Storage) *Seeder {
	return &Seeder{
		storage: storage,
		logger:  storage.logger,
	}
}

// Seed writes the default dataset, skipping any collection that already has
// records so a re-run cannot duplicate data. Fails with an
// ErrBackendUnavailable-class error when the backend is not real.
func (s *Seeder) Seed(ctx context.Context) error {
	status := s.storage.Status()
	if !status.Real {
		return WithContext(ErrFallbackRefused, map[string]interface{}{
			"backend": status.Type,
		})
	}
	return s.seed(ctx)
}

// SeedForce skips the fallback check. Tests only.
func (s *Seeder) SeedForce(ctx context.Context) error {
	return s.seed(ctx)
}

func (s *Seeder) seed(ctx context.Context) error {
	total := 0
	for collection, records := range defaultDataset() {
		existing, err := s.storage.GetIndex(ctx, collection)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			s.logger.Info("collection already has data, skipping seed",
				"collection", collection, "count", len(existing))
			continue
		}

		for _, rec := range records {
			if _, err := s.storage.Create(ctx, collection, rec); err != nil {
				return err
			}
			total++
		}
		s.logger.Info("seeded collection", "collection", collection, "records", len(records))
	}

	s.storage.store.metrics.Gauge(MetricSeedRecords, float64(total))
	return nil
}

// defaultDataset is the initial dataset for a fresh hotel/restaurant
// deployment. Field names are the conventions the admin console and H5
// ordering page expect; the store itself does not validate them.
func defaultDataset() map[string][]Record {
	return map[string][]Record{
		"dishes": {
			{"name": "宫保鸡丁", "price": 35.0, "category": "热菜", "available": true},
			{"name": "鱼香肉丝", "price": 32.0, "category": "热菜", "available": true},
			{"name": "麻婆豆腐", "price": 22.0, "category": "热菜", "available": true},
			{"name": "拍黄瓜", "price": 12.0, "category": "凉菜", "available": true},
			{"name": "皮蛋豆腐", "price": 14.0, "category": "凉菜", "available": true},
			{"name": "扬州炒饭", "price": 18.0, "category": "主食", "available": true},
			{"name": "青岛啤酒", "price": 8.0, "category": "酒水", "available": true},
			{"name": "可乐", "price": 5.0, "category": "酒水", "available": true},
		},
		"hotel_rooms": {
			{"roomNumber": "201", "type": "标准间", "pricePerNight": 188.0, "status": "vacant"},
			{"roomNumber": "202", "type": "标准间", "pricePerNight": 188.0, "status": "vacant"},
			{"roomNumber": "301", "type": "大床房", "pricePerNight": 228.0, "status": "vacant"},
			{"roomNumber": "302", "type": "家庭房", "pricePerNight": 288.0, "status": "vacant"},
		},
		"ktv_rooms": {
			{"roomName": "K1", "capacity": 6.0, "pricePerHour": 58.0, "status": "vacant"},
			{"roomName": "K2", "capacity": 10.0, "pricePerHour": 88.0, "status": "vacant"},
		},
		"payment_methods": {
			{"name": "现金", "enabled": true},
			{"name": "微信支付", "enabled": true},
			{"name": "支付宝", "enabled": true},
			{"name": "挂账", "enabled": true},
		},
		"system_settings": {
			{"key": "business_name", "value": "明快酒店"},
			{"key": "service_charge_percent", "value": 0.0},
			{"key": "h5_ordering_enabled", "value": true},
		},
	}
}
