package rm

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	hashes map[string]map[string]string
}

func (f *fakeStore) HashGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	val, ok := f.hashes[key][field]
	if !ok {
		return nil, false, nil
	}
	return []byte(val), true, nil
}

func (f *fakeStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return f.hashes[key], nil
}

func TestRegistry_All(t *testing.T) {
	st := &fakeStore{hashes: map[string]map[string]string{
		"resource_managers": {
			"rm-1": `{"endpoint":"rm-1:9000"}`,
			"rm-2": `{"name":"rm-two","endpoint":"rm-2:9000","capabilities":{"gpu":true}}`,
		},
	}}
	reg := NewRegistry(st)

	managers, err := reg.All(context.Background())
	if err != nil {
		t.Fatalf("All() err=%v", err)
	}
	if len(managers) != 2 {
		t.Fatalf("All() len got=%d want=2", len(managers))
	}
	// Name falls back to the hash field when the descriptor omits it.
	if managers["rm-1"].Name != "rm-1" {
		t.Errorf("name got=%#v want=%#v", managers["rm-1"].Name, "rm-1")
	}
	if managers["rm-2"].Name != "rm-two" {
		t.Errorf("name got=%#v want=%#v", managers["rm-2"].Name, "rm-two")
	}
	if managers["rm-1"].Endpoint != "rm-1:9000" {
		t.Errorf("endpoint got=%#v", managers["rm-1"].Endpoint)
	}
}

func TestRegistry_All_Empty(t *testing.T) {
	reg := NewRegistry(&fakeStore{hashes: map[string]map[string]string{}})
	managers, err := reg.All(context.Background())
	if err != nil {
		t.Fatalf("All() err=%v", err)
	}
	if len(managers) != 0 {
		t.Errorf("All() len got=%d want=0", len(managers))
	}
}

func TestRegistry_Get(t *testing.T) {
	st := &fakeStore{hashes: map[string]map[string]string{
		"resource_managers": {"rm-1": `{"endpoint":"rm-1:9000"}`},
	}}
	reg := NewRegistry(st)

	d, err := reg.Get(context.Background(), "rm-1")
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if d.Endpoint != "rm-1:9000" || d.Name != "rm-1" {
		t.Errorf("Get() got=%#v", d)
	}

	_, err = reg.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() err got=%#v want=%#v", err, ErrNotFound)
	}
}
