package stops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
)

var ErrNotFound = errors.New("stop not found")

// Stop is the static description of a station shown in the board header.
type Stop struct {
	ID     arrivals.StopID `yaml:"id" db:"stop_id"`
	Name   string          `yaml:"name" db:"stop_name"`
	Routes []string        `yaml:"routes" db:"-"`
}

// Directory resolves stop identifiers to display names.
type Directory interface {
	Lookup(ctx context.Context, id arrivals.StopID) (Stop, error)
}

// Table is an in-memory Directory, usually loaded from a YAML file.
type Table struct {
	byID map[arrivals.StopID]Stop
}

type tableFile struct {
	Stops []Stop `yaml:"stops"`
}

// LoadFile reads a YAML table of the form
//
//	stops:
//	  - id: A27
//	    name: 42 St-Port Authority
//	    routes: [A, C, E]
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stops file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stops file: %w", err)
	}
	t := &Table{byID: make(map[arrivals.StopID]Stop, len(f.Stops))}
	for i, s := range f.Stops {
		s.ID = arrivals.StopID(strings.TrimSpace(string(s.ID)))
		if s.ID == "" {
			return nil, fmt.Errorf("stops[%d]: id is required", i)
		}
		if _, dup := t.byID[s.ID]; dup {
			return nil, fmt.Errorf("stops[%d]: duplicate id %q", i, s.ID)
		}
		t.byID[s.ID] = s
	}
	return t, nil
}

func (t *Table) Len() int { return len(t.byID) }

func (t *Table) Lookup(ctx context.Context, id arrivals.StopID) (Stop, error) {
	if err := ctx.Err(); err != nil {
		return Stop{}, err
	}
	s, ok := t.byID[id]
	if !ok {
		return Stop{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Resolve returns the stop for id, falling back to a bare stop named after
// its id when the directory is nil or does not know it. Other lookup errors
// are returned.
func Resolve(ctx context.Context, dir Directory, id arrivals.StopID) (Stop, error) {
	if dir == nil {
		return Stop{ID: id, Name: string(id)}, nil
	}
	s, err := dir.Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Stop{ID: id, Name: string(id)}, nil
	}
	if err != nil {
		return Stop{}, err
	}
	if s.Name == "" {
		s.Name = string(id)
	}
	return s, nil
}
