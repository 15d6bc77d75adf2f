// Package repository keeps the registry of origins scheduled for fetching.
// The registry is read far more often than it is mutated, so it is guarded
// by a reader/writer lock.
package repository

import (
	"fmt"
	"sort"

	"gitlab.com/slon/harvest/rwmutex"
)

// Repository describes one origin and the backend configured to fetch it.
type Repository struct {
	Origin    string                 `json:"origin"`
	Backend   string                 `json:"backend"`
	Args      map[string]interface{} `json:"args,omitempty"`
	CachePath string                 `json:"cache_path,omitempty"`
}

// NotFoundError is returned when an origin is missing from the registry.
type NotFoundError struct {
	Origin string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found in the registry", e.Origin)
}

// AlreadyExistsError is returned when an origin is registered twice.
type AlreadyExistsError struct {
	Origin string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists in the registry", e.Origin)
}

// Manager stores repositories keyed by origin. Lookups take the read side
// of the lock, mutations the write side; it is safe for concurrent use.
type Manager struct {
	lock  *rwmutex.RWMutex
	repos map[string]*Repository
}

func NewManager() *Manager {
	return &Manager{
		lock:  rwmutex.New(),
		repos: make(map[string]*Repository),
	}
}

// Add registers a repository. It fails with *AlreadyExistsError when the
// origin is taken.
func (m *Manager) Add(repo *Repository) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.repos[repo.Origin]; ok {
		return &AlreadyExistsError{Origin: repo.Origin}
	}
	m.repos[repo.Origin] = repo
	return nil
}

// Get returns the repository registered for origin or *NotFoundError.
func (m *Manager) Get(origin string) (*Repository, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	repo, ok := m.repos[origin]
	if !ok {
		return nil, &NotFoundError{Origin: origin}
	}
	return repo, nil
}

// Remove deletes the repository registered for origin.
func (m *Manager) Remove(origin string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.repos[origin]; !ok {
		return &NotFoundError{Origin: origin}
	}
	delete(m.repos, origin)
	return nil
}

// List returns the registered repositories sorted by origin.
func (m *Manager) List() []*Repository {
	m.lock.RLock()
	defer m.lock.RUnlock()

	repos := make([]*Repository, 0, len(m.repos))
	for _, repo := range m.repos {
		repos = append(repos, repo)
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Origin < repos[j].Origin })
	return repos
}

// Len returns the number of registered repositories.
func (m *Manager) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.repos)
}
