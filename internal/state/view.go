package state

import (
	"reflect"
	"strings"
	"sync"
)

type read[S any] struct {
	get   func(S) interface{}
	value interface{}
}

// View is a read-tracking accessor over one state snapshot. Every key read
// through Get, Select or Track is recorded with the value seen, and the
// owning subscription is only notified when one of them changes.
type View[S any] struct {
	mu     sync.Mutex
	value  S
	status AsyncStatus
	err    error
	reads  map[string]read[S]
}

func newView[S any](e *entry[S]) *View[S] {
	return &View[S]{
		value:  e.value,
		status: e.status,
		err:    e.err,
		reads:  make(map[string]read[S]),
	}
}

// Value returns the whole snapshot without recording a read.
func (v *View[S]) Value() S {
	return v.value
}

// Get returns the struct field (by name or json tag) or string map entry
// named key, and records the read.
func (v *View[S]) Get(key string) interface{} {
	return v.Select(key, func(s S) interface{} {
		val, _ := lookup(s, key)
		return val
	})
}

// Select records a derived read under key.
func (v *View[S]) Select(key string, fn func(S) interface{}) interface{} {
	val := fn(v.value)
	v.mu.Lock()
	v.reads[key] = read[S]{get: fn, value: val}
	v.mu.Unlock()
	return val
}

// Keys returns the keys read so far.
func (v *View[S]) Keys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.reads))
	for k := range v.reads {
		keys = append(keys, k)
	}
	return keys
}

// changed reports whether e differs from the snapshot in any way this view
// observed. A view that read nothing always counts as changed.
func (v *View[S]) changed(e *entry[S], equal func(a, b interface{}) bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.reads) == 0 {
		return true
	}
	if e.status != v.status || e.err != v.err {
		return true
	}
	for _, r := range v.reads {
		if !equal(r.get(e.value), r.value) {
			return true
		}
	}
	return false
}

// Track is a typed Select.
func Track[S, T any](v *View[S], key string, fn func(S) T) T {
	val := v.Select(key, func(s S) interface{} { return fn(s) })
	t, _ := val.(T)
	return t
}

// lookup resolves key against a struct (field name or json tag) or a map
// with string-kinded keys. Pointers and interfaces are followed.
func lookup(src interface{}, key string) (interface{}, bool) {
	rv := reflect.ValueOf(src)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if f.Name == key {
				return rv.Field(i).Interface(), true
			}
			if tag := f.Tag.Get("json"); tag != "" && strings.Split(tag, ",")[0] == key {
				return rv.Field(i).Interface(), true
			}
		}
	case reflect.Map:
		kt := rv.Type().Key()
		if kt.Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(key).Convert(kt))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	}
	return nil, false
}
