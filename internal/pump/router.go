package pump

import (
	"context"
	"fmt"
	"sort"
)

// Router dispatches commands to the driver that owns each pump. Pumps on
// different serial ports get one driver each.
type Router struct {
	drivers map[string]Driver
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{drivers: make(map[string]Driver)}
}

// Register routes pumpID to d.
func (r *Router) Register(pumpID string, d Driver) error {
	if _, ok := r.drivers[pumpID]; ok {
		return fmt.Errorf("pump %q registered twice", pumpID)
	}
	r.drivers[pumpID] = d
	return nil
}

// IDs returns the registered pump IDs in sorted order.
func (r *Router) IDs() []string {
	ids := make([]string, 0, len(r.drivers))
	for id := range r.drivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) lookup(pumpID string) (Driver, error) {
	d, ok := r.drivers[pumpID]
	if !ok {
		return nil, &Error{Kind: KindUnknownPump, PumpID: pumpID}
	}
	return d, nil
}

func (r *Router) SetRate(ctx context.Context, pumpID string, rate float64, dir Direction) error {
	d, err := r.lookup(pumpID)
	if err != nil {
		return err
	}
	return d.SetRate(ctx, pumpID, rate, dir)
}

func (r *Router) Stop(ctx context.Context, pumpID string) error {
	d, err := r.lookup(pumpID)
	if err != nil {
		return err
	}
	return d.Stop(ctx, pumpID)
}

func (r *Router) QueryStatus(ctx context.Context, pumpID string) (Status, error) {
	d, err := r.lookup(pumpID)
	if err != nil {
		return Status{}, err
	}
	return d.QueryStatus(ctx, pumpID)
}
