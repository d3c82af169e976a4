package app

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	"github.com/vladislavdragonenkov/fleetalloc/internal/storage/memory"
)

// memorySeed — начальные данные для memory-хранилища. Справочники в этом режиме
// не синхронизируются с внешним учётом, поэтому загружаются из файла.
type memorySeed struct {
	Resources []struct {
		ID     string `json:"id"`
		Kind   string `json:"kind"`
		Status string `json:"status"`
		Name   string `json:"name"`
	} `json:"resources"`
	Trips []struct {
		ID         string    `json:"id"`
		VehicleID  string    `json:"vehicle_id"`
		OperatorID string    `json:"operator_id"`
		Route      string    `json:"route"`
		Start      time.Time `json:"start"`
		End        time.Time `json:"end"`
		Status     string    `json:"status"`
	} `json:"trips"`
	Parts []struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Brand    string          `json:"brand"`
		Stock    decimal.Decimal `json:"stock"`
		UnitCost decimal.Decimal `json:"unit_cost"`
	} `json:"parts"`
}

func loadMemorySeed(path string, fleet *memory.FleetRepository, inventory *memory.InventoryStore) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed memorySeed
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for _, r := range seed.Resources {
		if err := fleet.UpsertResource(domain.Resource{
			ID:     r.ID,
			Kind:   domain.ResourceKind(r.Kind),
			Status: r.Status,
			Name:   r.Name,
		}); err != nil {
			return fmt.Errorf("seed resource %q: %w", r.ID, err)
		}
	}
	for _, t := range seed.Trips {
		if err := fleet.UpsertTrip(domain.Trip{
			ID:         t.ID,
			VehicleID:  t.VehicleID,
			OperatorID: t.OperatorID,
			Route:      t.Route,
			Start:      t.Start,
			End:        t.End,
			Status:     domain.TripStatus(t.Status),
		}); err != nil {
			return fmt.Errorf("seed trip %q: %w", t.ID, err)
		}
	}
	for _, p := range seed.Parts {
		if err := inventory.AddPart(domain.SparePart{
			ID:       p.ID,
			Name:     p.Name,
			Brand:    p.Brand,
			Stock:    p.Stock,
			UnitCost: p.UnitCost,
		}); err != nil {
			return fmt.Errorf("seed part %q: %w", p.ID, err)
		}
	}
	return nil
}
