// Package backend defines the fetching backends and the item model they
// produce. Concrete backends register themselves by name, the way database
// drivers do; the scheduler builds them from job payloads.
package backend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/uuid"

	"gitlab.com/slon/harvest/rwmutex"
)

// Item is a single piece of data fetched from an origin.
type Item struct {
	UUID      string                 `json:"uuid"`
	Origin    string                 `json:"origin"`
	Backend   string                 `json:"backend"`
	UpdatedOn float64                `json:"updated_on"`
	Offset    *int64                 `json:"offset,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// ItemUUID derives a deterministic identifier from the origin and the
// item's identity within it. Fetching the same item twice yields the same
// UUID.
func ItemUUID(origin, id string) string {
	return uuid.NewV5(uuid.NamespaceURL, origin+"#"+id).String()
}

// Backend fetches items from a single origin.
type Backend interface {
	// Fetch sends the items updated on or after from to out and returns
	// once all of them have been sent or ctx is done. It must not close
	// out; the caller owns the channel.
	Fetch(ctx context.Context, from time.Time, out chan<- Item) error
}

// Factory builds a backend for an origin from its configuration arguments.
type Factory func(origin string, args map[string]interface{}) (Backend, error)

// NotFoundError is returned when no backend is registered under the
// requested name.
type NotFoundError struct {
	Element string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Element)
}

var (
	registryLock = rwmutex.New()
	factories    = make(map[string]Factory)
)

// Register makes a backend available under the given name. It panics if
// the name is taken; registration happens from package init functions.
func Register(name string, factory Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()

	if _, ok := factories[name]; ok {
		panic(fmt.Sprintf("backend: %q registered twice", name))
	}
	factories[name] = factory
}

// Exists reports whether a backend is registered under name.
func Exists(name string) bool {
	registryLock.RLock()
	defer registryLock.RUnlock()

	_, ok := factories[name]
	return ok
}

// Create builds the named backend for origin. It fails with
// *NotFoundError when the name is unknown.
func Create(name, origin string, args map[string]interface{}) (Backend, error) {
	registryLock.RLock()
	factory, ok := factories[name]
	registryLock.RUnlock()

	if !ok {
		return nil, &NotFoundError{Element: name}
	}
	return factory(origin, args)
}

// Registered returns the names of all registered backends, sorted.
func Registered() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
