// Package admission bounds how many commit scans run concurrently against
// each configured analysis backend instance.
package admission

import (
	"context"
	"fmt"

	"github.com/scanforge/commitpipe/internal/store"
)

// Controller admits and releases concurrency slots for backend instances.
type Controller struct {
	store     *store.Store
	instances map[string]int // name -> max_concurrent
}

// New builds a Controller from the configured backend instances.
func New(st *store.Store, instances map[string]int) *Controller {
	return &Controller{store: st, instances: instances}
}

// Lease is held by a worker for the duration of one commit scan against one
// backend instance.
type Lease struct {
	Instance string
	c        *Controller
}

// Acquire reserves a slot on instance, returning ErrAtCapacity when none are
// free. Callers should try the next configured instance on that error.
func (c *Controller) Acquire(ctx context.Context, instance string) (*Lease, error) {
	capacity, ok := c.instances[instance]
	if !ok {
		return nil, fmt.Errorf("admission: unknown backend instance %q", instance)
	}
	ok2, err := c.store.TryAdmit(ctx, instance, capacity)
	if err != nil {
		return nil, err
	}
	if !ok2 {
		return nil, ErrAtCapacity
	}
	return &Lease{Instance: instance, c: c}, nil
}

// Release returns the slot. Safe to call once per successful Acquire.
func (l *Lease) Release(ctx context.Context) error {
	return l.c.store.Release(ctx, l.Instance)
}

// ErrAtCapacity is returned when a backend instance has no free slots.
var ErrAtCapacity = fmt.Errorf("admission: backend instance at capacity")

// SelectInstance tries each configured instance name in order, returning the
// first lease it can acquire. Returns ErrAtCapacity if every instance is
// saturated.
func (c *Controller) SelectInstance(ctx context.Context, order []string) (*Lease, error) {
	var lastErr error = ErrAtCapacity
	for _, name := range order {
		lease, err := c.Acquire(ctx, name)
		if err == nil {
			return lease, nil
		}
		if err != ErrAtCapacity {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
